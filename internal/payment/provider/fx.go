package provider

import "go.uber.org/fx"

var Module = fx.Module("payment.provider",
	fx.Provide(NewStripeClient),
)
