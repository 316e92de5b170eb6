package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/budget"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/ledger"
	"github.com/smallbiznis/creditline/internal/migration"
	"github.com/smallbiznis/creditline/internal/notification"
	"github.com/smallbiznis/creditline/internal/observability"
	"github.com/smallbiznis/creditline/internal/operation"
	"github.com/smallbiznis/creditline/internal/scheduler"
	"github.com/smallbiznis/creditline/internal/server"
	"github.com/smallbiznis/creditline/internal/webhook"
	"github.com/smallbiznis/creditline/internal/webhook/worker"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		ledger.Module,
		budget.Module,
		webhook.Module,
		worker.Module,
		notification.Module,
		operation.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
