package notification

import (
	"github.com/smallbiznis/servana/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.notification",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Gateway {
	if cfg.SMTPHost == "" || cfg.RecoveryToEmail == "" {
		return &NoOpGateway{}
	}
	return NewSMTP(Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.RecoveryToEmail,
	})
}
