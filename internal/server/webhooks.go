package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/aimerfeng/hookrelay/internal/errors"
	"github.com/aimerfeng/hookrelay/internal/webhook"
	"github.com/gin-gonic/gin"
)

// PublishEventRequest is a domain event raised by a CRM service
type PublishEventRequest struct {
	Type string          `json:"type" binding:"required"`
	Data json.RawMessage `json:"data" binding:"required"`
}

func (s *APIServer) handlePublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	result, err := s.deps.Publisher.Publish(c.Request.Context(), tenantID(c), req.Type, req.Data)
	if err != nil {
		if errors.Is(err, webhook.ErrPublishIncomplete) && result != nil {
			respondError(c, apierrors.ErrServiceUnavailableError.
				WithMessage("Event was not delivered to every subscription").
				WithDetails(result))
			return
		}
		respondServiceError(c, err, "publish_event")
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *APIServer) handleListWebhooks(c *gin.Context) {
	page, pageSize := pagination(c)
	resp, err := s.deps.Webhooks.List(c.Request.Context(), tenantID(c), page, pageSize)
	if err != nil {
		respondServiceError(c, err, "list_webhooks")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleCreateWebhook(c *gin.Context) {
	var req webhook.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.deps.Webhooks.Create(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		respondServiceError(c, err, "create_webhook")
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handleGetWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "get_webhook")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleUpdateWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req webhook.UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.deps.Webhooks.Update(c.Request.Context(), tenantID(c), id, &req)
	if err != nil {
		respondServiceError(c, err, "update_webhook")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleDeleteWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Webhooks.Delete(c.Request.Context(), tenantID(c), id); err != nil {
		respondServiceError(c, err, "delete_webhook")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) handleTestWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.SendTest(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "test_webhook")
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *APIServer) handleListDeliveries(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	resp, err := s.deps.Webhooks.ListDeliveries(c.Request.Context(), tenantID(c), id, page, pageSize)
	if err != nil {
		respondServiceError(c, err, "list_deliveries")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleWebhookStats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.Stats(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "webhook_stats")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleGetSecret(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.GetSecret(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "get_secret")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleRotateSecret(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.RotateSecret(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "rotate_secret")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleGetDelivery(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.GetDelivery(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "get_delivery")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleRetryDelivery(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resp, err := s.deps.Webhooks.RetryDelivery(c.Request.Context(), tenantID(c), id)
	if err != nil {
		respondServiceError(c, err, "retry_delivery")
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *APIServer) handleGetAPIKey(c *gin.Context) {
	info, err := s.deps.APIKeys.Get(c.Request.Context(), tenantID(c))
	if err != nil {
		respondServiceError(c, err, "get_api_key")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *APIServer) handleRegenerateAPIKey(c *gin.Context) {
	key, err := s.deps.APIKeys.Regenerate(c.Request.Context(), tenantID(c))
	if err != nil {
		respondServiceError(c, err, "regenerate_api_key")
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (s *APIServer) handleRevokeAPIKey(c *gin.Context) {
	if err := s.deps.APIKeys.Revoke(c.Request.Context(), tenantID(c)); err != nil {
		respondServiceError(c, err, "revoke_api_key")
		return
	}
	c.Status(http.StatusNoContent)
}
