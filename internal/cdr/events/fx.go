package events

import (
	"context"

	"github.com/calltrace/cadence/internal/cdr"
	"go.uber.org/fx"
)

var Module = fx.Module("cdr.events",
	fx.Provide(NewBus),
	fx.Invoke(runBus),
)

func runBus(lc fx.Lifecycle, bus *Bus, engine *cdr.Engine) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				_ = bus.Run(ctx, engine)
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					// Flush whatever producers managed to enqueue, then
					// push every remaining chain out for billing.
					bus.Drain(engine)
					engine.DispatchAll()
					return nil
				},
			})

			return nil
		},
	})
}
