package replay

import "go.uber.org/fx"

var Module = fx.Module("replay.service",
	fx.Provide(NewService),
)
