// Package store opens the configured persistence backend.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/tuition-billing/config"
	"github.com/warp/tuition-billing/factory"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/store/postgres"
	"github.com/warp/tuition-billing/store/sqlite"
)

// Backend is every port the binaries need.
type Backend interface {
	invoice.Backend
	factory.MasterWriter
	Reset(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by DB_DRIVER.
func Open(cfg *config.Config, logger *zap.Logger) (Backend, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using SQLite", zap.String("path", cfg.Database.SQLitePath))
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(cfg.Postgres(), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
