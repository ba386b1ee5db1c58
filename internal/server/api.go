package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aimerfeng/hookrelay/internal/apikey"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/dispatch"
	apierrors "github.com/aimerfeng/hookrelay/internal/errors"
	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/inbound"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/middleware"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/secrets"
	"github.com/aimerfeng/hookrelay/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the API
type Deps struct {
	Webhooks  *webhook.Service
	Publisher *webhook.Publisher
	APIKeys   *apikey.Service
	Receiver  *inbound.Receiver
	// Checks are run by /ready, keyed by dependency name
	Checks map[string]HealthCheck
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Deps
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", readyCheck(s.deps.Checks))

	// Inbound routes, authenticated per request by API key or signature
	s.router.POST("/webhooks/receive", s.handleReceive)
	s.router.POST("/webhooks/organization/receive", s.handleOrganizationReceive)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.jwtAuthenticator.JWTAuth())
	{
		v1.POST("/events", s.handlePublishEvent)

		webhooks := v1.Group("/webhooks")
		{
			webhooks.GET("", s.handleListWebhooks)
			webhooks.POST("", s.handleCreateWebhook)
			webhooks.GET("/:id", s.handleGetWebhook)
			webhooks.PUT("/:id", s.handleUpdateWebhook)
			webhooks.DELETE("/:id", s.handleDeleteWebhook)
			webhooks.POST("/:id/test", s.handleTestWebhook)
			webhooks.GET("/:id/deliveries", s.handleListDeliveries)
			webhooks.GET("/:id/stats", s.handleWebhookStats)
			webhooks.GET("/:id/secret", s.handleGetSecret)
			webhooks.POST("/:id/secret/rotate", s.handleRotateSecret)
		}

		deliveries := v1.Group("/deliveries")
		{
			deliveries.GET("/:id", s.handleGetDelivery)
			deliveries.POST("/:id/retry", s.handleRetryDelivery)
		}

		apiKey := v1.Group("/api-key")
		{
			apiKey.GET("", s.handleGetAPIKey)
			apiKey.POST("/regenerate", middleware.RequireTenantAdmin(), s.handleRegenerateAPIKey)
			apiKey.DELETE("", middleware.RequireTenantAdmin(), s.handleRevokeAPIKey)
		}
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "api",
	})
}

func readyCheck(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(
		err,
		middleware.GetRequestIDFromContext(c),
		middleware.GetCorrelationIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	))
}

// respondServiceError maps a service error to its API error
func respondServiceError(c *gin.Context, err error, operation string) {
	var rl *inbound.RateLimitError
	if errors.As(err, &rl) {
		secs := rl.RetryAfterSeconds()
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
		respondError(c, apierrors.NewRateLimitError(secs))
		return
	}

	apiErr := errorFor(err)
	if apierrors.IsServerError(apiErr) {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", operation)
	}
	respondError(c, apiErr)
}

func errorFor(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, inbound.ErrUnauthorized):
		return apierrors.ErrUnauthorizedError
	case errors.Is(err, inbound.ErrPayloadTooLarge):
		return apierrors.ErrPayloadTooLargeError
	case errors.Is(err, inbound.ErrTenantMismatch):
		return apierrors.NewInvalidEventError("tenantId does not match the authenticated tenant")
	case errors.Is(err, inbound.ErrInvalidIdempotencyKey):
		return apierrors.NewInvalidRequestError(err.Error())
	case errors.Is(err, inbound.ErrIngestFailed):
		return apierrors.ErrServiceUnavailableError
	case errors.Is(err, events.ErrMalformed),
		errors.Is(err, events.ErrUnknownType),
		errors.Is(err, events.ErrInvalidData):
		return apierrors.NewInvalidEventError(err.Error())

	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		return apierrors.ErrSubscriptionNotFoundError
	case errors.Is(err, webhook.ErrDeliveryNotFound):
		return apierrors.ErrDeliveryNotFoundError
	case errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrInvalidName),
		errors.Is(err, webhook.ErrInvalidEvents):
		return apierrors.NewValidationError(err.Error())
	case errors.Is(err, webhook.ErrSubscriptionDisabled),
		errors.Is(err, dispatch.ErrSubscriptionUnavailable):
		return apierrors.ErrSubscriptionUnavailableError
	case errors.Is(err, webhook.ErrTenantRequired):
		return apierrors.NewInvalidRequestError(err.Error())
	case errors.Is(err, dispatch.ErrDeliveryInProgress):
		return apierrors.ErrDeliveryInProgressError

	case errors.Is(err, apikey.ErrAPIKeyNotFound):
		return apierrors.ErrAPIKeyNotFoundError
	case errors.Is(err, apikey.ErrRotationFailed),
		errors.Is(err, secrets.ErrRotationFailed):
		return apierrors.ErrRotationFailedError
	}
	return apierrors.ErrInternalServerError
}

func tenantID(c *gin.Context) string {
	return middleware.GetTenantIDFromContext(c)
}

// parseID reads a uuid path parameter, responding 400 when it is malformed
func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}
