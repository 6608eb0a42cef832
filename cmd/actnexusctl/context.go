package main

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"actnexus/internal/ledger"
	ledgerstore "actnexus/internal/ledger/store"
	"actnexus/internal/platform/config"
	"actnexus/internal/platform/logger"
	"actnexus/internal/platform/postgres"
)

type commandContext struct {
	logLevel string

	configOnce sync.Once
	config     config.Config

	// openDB is swapped in tests.
	openDB func(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error)
	// ledgerStore overrides the Postgres store when set.
	ledgerStore ledger.Store
}

func newCommandContext() *commandContext {
	return &commandContext{openDB: postgres.Open}
}

func (c *commandContext) cfg() config.Config {
	c.configOnce.Do(func() {
		c.config = config.FromEnv()
	})
	return c.config
}

func (c *commandContext) logger() *slog.Logger {
	level := c.logLevel
	if level == "" {
		level = "warn"
	}
	return logger.New(level)
}

// withLedger opens the usage ledger for the duration of fn.
func (c *commandContext) withLedger(ctx context.Context, fn func(*ledger.Service) error) error {
	cfg := c.cfg()
	opts := []ledger.Option{
		ledger.WithLogger(c.logger()),
		ledger.WithPricing(ledger.Pricing{
			Model:      cfg.AI.ModelName,
			PerKInput:  cfg.AI.CostPer1KInput,
			PerKOutput: cfg.AI.CostPer1KOutput,
		}),
		ledger.WithStaleAfter(cfg.Ledger.StaleAfter),
		ledger.WithHealthThresholds(cfg.Ledger.WarnErrorRate, cfg.Ledger.CritErrorRate),
	}
	if c.ledgerStore != nil {
		return fn(ledger.New(c.ledgerStore, opts...))
	}
	db, err := c.openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ledger.New(ledgerstore.NewPostgres(db), opts...))
}
