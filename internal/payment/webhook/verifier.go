package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Registry *adapters.Registry
	Config   *config.WebhookConfigHolder
	Clock    clock.Clock
	Log      *zap.Logger
}

// Verifier authenticates inbound webhooks and normalizes them into
// PaymentEvents. It has no side effects.
type Verifier struct {
	registry *adapters.Registry
	config   *config.WebhookConfigHolder
	clock    clock.Clock
	log      *zap.Logger
}

func NewVerifier(p Params) *Verifier {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		registry: p.Registry,
		config:   p.Config,
		clock:    p.Clock,
		log:      log.Named("payment.webhook"),
	}
}

func (v *Verifier) Verify(ctx context.Context, provider string, headers http.Header, body []byte) (*domain.PaymentEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !v.registry.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}

	cfg := v.config.Get()
	adapter, err := v.registry.NewAdapter(provider, domain.AdapterConfig{Secret: cfg.Secret})
	if err != nil {
		// Misconfiguration, not a bad sender: the gateway should redeliver.
		v.log.Error("webhook adapter unavailable", zap.String("provider", provider), zap.Error(err))
		if errors.Is(err, domain.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}

	signedAt, err := adapter.Verify(ctx, body, headers)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	skew := v.clock.Now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.TimestampTolerance {
		v.log.Debug("webhook timestamp outside tolerance",
			zap.String("provider", provider),
			zap.Duration("skew", skew),
		)
		return nil, domain.ErrAuthentication
	}

	event, err := adapter.Parse(ctx, body)
	if err != nil {
		return nil, err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = signedAt
	}
	event.Provider = provider
	event.Checksum = Checksum(body)
	event.RawPayload = body
	return event, nil
}

// Checksum is the hex SHA-256 of a raw webhook body.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
