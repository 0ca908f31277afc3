package outbox

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(NewWriter),
	fx.Provide(
		fx.Annotate(
			NewAuditHandler,
			fx.As(new(Handler)),
			fx.ResultTags(`group:"outbox_handlers"`),
		),
	),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			worker.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			worker.Stop()
			return nil
		},
	})
}
