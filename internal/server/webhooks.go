package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// HandleStripeWebhook hands the raw body to the dispatcher untouched; the
// signature covers the exact bytes.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if result.EventType != "" {
		c.Set("event_type", result.EventType)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("duplicate", result.Duplicate)

	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": result.Duplicate})
}
