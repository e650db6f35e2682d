package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/okfde/froide-payment/internal/alert"
	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/migration"
	obslogger "github.com/okfde/froide-payment/internal/observability/logger"
	obsmetrics "github.com/okfde/froide-payment/internal/observability/metrics"
	"github.com/okfde/froide-payment/internal/payment"
	"github.com/okfde/froide-payment/internal/payment/listener"
	"github.com/okfde/froide-payment/internal/provider"
	"github.com/okfde/froide-payment/internal/providers/email"
	"github.com/okfde/froide-payment/internal/scheduler"
	"github.com/okfde/froide-payment/internal/server"
	"github.com/okfde/froide-payment/internal/subscription"
	"github.com/okfde/froide-payment/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		obslogger.Module,
		fx.Provide(registerSnowflake),
		fx.Provide(obsmetrics.Default),
		clock.Module,
		db.Module,
		migration.Module,

		email.Module,
		alert.Module,
		payment.Module,
		listener.Module,
		provider.Module,
		subscription.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		log.Fatalf("snowflake node: %v", err)
	}
	return node
}
