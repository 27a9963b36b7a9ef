package hostedsession

import (
	"github.com/smallbiznis/servana/internal/hostedsession/repository"
	"github.com/smallbiznis/servana/internal/hostedsession/service"
	"go.uber.org/fx"
)

var Module = fx.Module("hostedsession.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
