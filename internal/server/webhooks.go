package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook runs the reconciliation pipeline synchronously. Any
// 2xx tells the gateway to stop redelivering, so only acknowledged outcomes
// return 200.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.dispatcher.HandleWebhook(c.Request.Context(), provider, c.Request.Header, payload)
	if err != nil {
		AbortWithError(c, webhookFailure(err))
		return
	}

	c.Set(obscontext.WebhookOutcomeKey, string(result.Outcome))
	resp := gin.H{
		"status":  "ok",
		"outcome": result.Outcome,
	}
	if result.Event != nil {
		resp["event_id"] = result.Event.EventID
	}
	c.JSON(http.StatusOK, resp)
}

// webhookFailure marks unclassified failures as unavailable so the gateway
// redelivers instead of dropping the event.
func webhookFailure(err error) error {
	if status, _ := mapError(err); status == http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return err
}
