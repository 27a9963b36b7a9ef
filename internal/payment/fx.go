package payment

import (
	"github.com/smallbiznis/servana/internal/payment/adapters"
	"github.com/smallbiznis/servana/internal/payment/adapters/stripe"
	"github.com/smallbiznis/servana/internal/payment/service"
	"github.com/smallbiznis/servana/internal/payment/webhook"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(newRegistry),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
