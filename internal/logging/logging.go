package logging

import (
	"io"
	"os"
	"time"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "hookrelay").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("tenant_id", c.GetString("tenant_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// DeliveryLogEntry represents a structured log entry for one outbound attempt
type DeliveryLogEntry struct {
	DeliveryID     string
	SubscriptionID string
	TenantID       string
	EventType      string
	Attempt        int
	Chain          int
	StatusCode     int
	Outcome        string
	FailureKind    string
	Permanent      bool
	Latency        time.Duration
	NextRetryAt    *time.Time
	Error          string
}

// LogDeliveryAttempt logs the outcome of a delivery attempt
func LogDeliveryAttempt(entry *DeliveryLogEntry) {
	event := log.Info()
	switch entry.Outcome {
	case "failed":
		event = log.Warn()
	case "exhausted":
		event = log.Error()
	}

	event = event.
		Str("delivery_id", entry.DeliveryID).
		Str("subscription_id", entry.SubscriptionID).
		Str("tenant_id", entry.TenantID).
		Str("event_type", entry.EventType).
		Int("attempt", entry.Attempt).
		Int("chain", entry.Chain).
		Int("status_code", entry.StatusCode).
		Str("outcome", entry.Outcome).
		Dur("latency", entry.Latency)

	if entry.FailureKind != "" {
		event = event.Str("failure_kind", entry.FailureKind).Bool("permanent", entry.Permanent)
	}
	if entry.NextRetryAt != nil {
		event = event.Time("next_retry_at", *entry.NextRetryAt)
	}
	if entry.Error != "" {
		event = event.Str("error", SanitizeForLog(entry.Error, 512))
	}
	event.Msg("Webhook delivery attempt")
}

// LogBookkeepingFailure raises an operational alert for a delivery log write
// that could not be persisted. Distinct from a delivery failure.
func LogBookkeepingFailure(err error, operation, deliveryID string, attempt int) {
	log.Error().
		Err(err).
		Str("alert", "delivery_log_write_failed").
		Str("operation", operation).
		Str("delivery_id", deliveryID).
		Int("attempt", attempt).
		Msg("Delivery log write failed, audit trail incomplete")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, tenantID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("tenant_id", tenantID).
		Str("client_ip", clientIP).
		Str("details", SanitizeForLog(details, 256)).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// SanitizeForLog truncates free-form text, such as receiver errors, before it is logged
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
