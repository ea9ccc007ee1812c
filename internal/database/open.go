package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"submission-orchestrator/internal/common"
)

// Open builds the configured Store and makes sure its schema exists.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		pg, err := OpenPostgres(ctx, PGConfig{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
			DialTimeout:     cfg.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return pg, nil
	case "sqlite3", "":
		db, err := New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return db, nil
	default:
		return nil, common.NewAppError("CONFIG_ERROR", "unsupported DB_DRIVER "+cfg.Driver, common.ErrInvalidInput)
	}
}
