package connect

import (
	"github.com/smallbiznis/herdpay/internal/connect/service"
	"go.uber.org/fx"
)

var Module = fx.Module("connect.service",
	fx.Provide(service.NewService),
)
