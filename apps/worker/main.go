package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/checkout"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	"github.com/smallbiznis/servana/internal/hostedsession"
	"github.com/smallbiznis/servana/internal/invoice"
	"github.com/smallbiznis/servana/internal/migration"
	"github.com/smallbiznis/servana/internal/observability"
	"github.com/smallbiznis/servana/internal/order"
	"github.com/smallbiznis/servana/internal/payment"
	"github.com/smallbiznis/servana/internal/processorevent"
	"github.com/smallbiznis/servana/internal/providers/notification"
	"github.com/smallbiznis/servana/internal/queue"
	"github.com/smallbiznis/servana/internal/replay"
	"github.com/smallbiznis/servana/internal/scheduler"
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

		// Domain services required by the worker jobs.
		notification.Module,
		queue.Module,
		processorevent.Module,
		order.Module,
		invoice.Module,
		checkout.Module,
		hostedsession.Module,
		payment.Module,
		replay.Module,

		// No server module.
		scheduler.Module,
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
