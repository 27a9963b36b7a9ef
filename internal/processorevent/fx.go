package processorevent

import (
	"github.com/smallbiznis/servana/internal/processorevent/repository"
	"github.com/smallbiznis/servana/internal/processorevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("processorevent.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
