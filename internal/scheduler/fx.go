package scheduler

import (
	"context"

	"github.com/smallbiznis/servana/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig(hold *config.ReconciliationConfigHolder) Config {
	cfg := DefaultConfig()
	cfg.RunInterval = hold.Get().RecoveryInterval
	return cfg.withDefaults()
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
