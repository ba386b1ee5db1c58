package server

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/aimerfeng/hookrelay/internal/errors"
	"github.com/aimerfeng/hookrelay/internal/inbound"
	"github.com/gin-gonic/gin"
)

// Inbound request headers
const (
	headerWebhookID      = "X-Webhook-Id"
	headerTimestamp      = "X-Timestamp"
	headerSignature      = "X-Signature"
	headerDeliveryID     = "X-Delivery-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

func (s *APIServer) handleReceive(c *gin.Context) {
	req, ok := s.inboundRequest(c)
	if !ok {
		return
	}
	result, err := s.deps.Receiver.ReceiveWithAPIKey(c.Request.Context(), c.GetHeader("Authorization"), req)
	if err != nil {
		respondServiceError(c, err, "receive")
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *APIServer) handleOrganizationReceive(c *gin.Context) {
	req, ok := s.inboundRequest(c)
	if !ok {
		return
	}
	req.WebhookID = c.GetHeader(headerWebhookID)
	req.Timestamp = c.GetHeader(headerTimestamp)
	req.Signature = c.GetHeader(headerSignature)

	result, err := s.deps.Receiver.ReceiveWithSignature(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err, "organization_receive")
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// inboundRequest reads the raw body, which signature checks need byte for byte
func (s *APIServer) inboundRequest(c *gin.Context) (inbound.Request, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.Receiver.MaxBodyBytes())
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apierrors.ErrPayloadTooLargeError)
		} else {
			respondError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
		}
		return inbound.Request{}, false
	}

	key := c.GetHeader(headerDeliveryID)
	if key == "" {
		key = c.GetHeader(headerIdempotencyKey)
	}

	return inbound.Request{
		Body:           body,
		IdempotencyKey: key,
		ClientIP:       c.ClientIP(),
	}, true
}
