package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	"github.com/smallbiznis/servana/internal/migration"
	"github.com/smallbiznis/servana/internal/observability"
	"github.com/smallbiznis/servana/internal/server"
	"github.com/smallbiznis/servana/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
