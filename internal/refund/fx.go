package refund

import (
	"context"
	"fmt"
	"net/http"

	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/smallbiznis/orderflow/internal/refund/gateway"
	"github.com/smallbiznis/orderflow/internal/refund/repository"
	"github.com/smallbiznis/orderflow/internal/refund/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("refund.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewGateway),
	fx.Provide(service.New),
)

// NewGateway selects the refund gateway from config. Without credentials the
// gateway rejects every submission so operators see the misconfiguration on
// the refund request instead of at boot.
func NewGateway(cfg config.Config, log *zap.Logger) (domain.Gateway, error) {
	log = log.Named("refund.gateway")

	switch cfg.Refund.Gateway {
	case config.RefundGatewayStripe, "":
		if cfg.Refund.StripeSecretKey == "" {
			log.Warn("stripe secret key not set, refunds are disabled")
			return unconfigured{name: gateway.StripeName}, nil
		}
		return gateway.NewStripe(cfg.Refund.StripeSecretKey, nil)
	case config.RefundGatewayHTTP:
		if cfg.Refund.HTTPEndpoint == "" {
			log.Warn("refund gateway url not set, refunds are disabled")
			return unconfigured{name: gateway.HTTPName}, nil
		}
		return gateway.NewHTTP(cfg.Refund.HTTPEndpoint, cfg.Refund.HTTPAPIKey, &http.Client{})
	default:
		return nil, fmt.Errorf("unsupported refund gateway %q", cfg.Refund.Gateway)
	}
}

type unconfigured struct {
	name string
}

func (u unconfigured) Name() string { return u.name }

func (u unconfigured) Submit(context.Context, domain.SubmitRequest) (domain.SubmitResult, error) {
	return domain.SubmitResult{}, fmt.Errorf("%w: %s gateway not configured", domain.ErrGatewayRejected, u.name)
}
