package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testSignRequest struct {
	Provider string          `json:"provider"`
	Payload  json.RawMessage `json:"payload"`
}

// TestSignPayload signs a webhook body with the configured secret so test
// clients can drive the webhook route end to end.
func (s *Server) TestSignPayload(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testSignRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Payload) == 0 {
		AbortWithError(c, newValidationError("payload", "required", "payload is required"))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = "generic"
	}

	secret := s.webhookCfg.Get().Secret
	adapter, err := s.registry.NewAdapter(provider, paymentdomain.AdapterConfig{Secret: secret})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	signedAt := s.clock.Now()
	c.JSON(http.StatusOK, gin.H{
		"provider":  provider,
		"header":    adapter.SignatureHeader(),
		"signature": adapters.Sign(req.Payload, secret, signedAt),
		"payload":   req.Payload,
		"signed_at": signedAt.UTC().Format(time.RFC3339),
	})
}

// TestReset wipes orders, archived events, refund requests and every ledger
// entry.
func (s *Server) TestReset(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	ctx := c.Request.Context()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.refundRepo.DeleteAll(ctx, tx); err != nil {
			return err
		}
		if err := s.paymentRepo.DeleteAll(ctx, tx); err != nil {
			return err
		}
		return s.orderRepo.DeleteAll(ctx, tx)
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	purged, err := s.ledger.Purge(ctx, s.clock.Now().AddDate(100, 0, 0), math.MaxInt32)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	name, _ := obscontext.OperatorFromContext(ctx)
	s.log.Warn("test data reset", zap.String("operator", name), zap.Int64("ledger_entries", purged))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ledger_entries": purged})
}
