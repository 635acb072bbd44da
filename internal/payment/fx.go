package payment

import (
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/generic"
	"github.com/smallbiznis/orderflow/internal/payment/adapters/stripe"
	"github.com/smallbiznis/orderflow/internal/payment/repository"
	"github.com/smallbiznis/orderflow/internal/payment/service"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(newRegistry),
	fx.Provide(webhook.NewVerifier),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		generic.NewFactory(),
	)
}
