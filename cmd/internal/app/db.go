package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// chatTables are the relations the chat store reads and writes. Migrations
// are applied outside the binaries; startup only verifies they exist.
var chatTables = []string{"conversation_members", "messages", "message_receipts"}

// errSchemaMissing reports a database without the chat tables.
var errSchemaMissing = errors.New("db: chat schema is not migrated")

// newDBPool opens the Postgres pool shared by the chat store and the
// readiness check. appName shows up in pg_stat_activity.
func newDBPool(ctx context.Context, cfg Config, appName string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if cfg.DBMaxConnIdle > 0 {
		pcfg.MaxConnIdleTime = cfg.DBMaxConnIdle
	}
	if cfg.DBHealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = cfg.DBHealthCheckPeriod
	}
	if _, set := pcfg.ConnConfig.RuntimeParams["application_name"]; !set && appName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	if err := checkChatSchema(ctx, pool, cfg.DBSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}

// checkChatSchema fails fast when a chat table is missing from schema, so a
// gateway never accepts messages its worker cannot persist.
func checkChatSchema(parent context.Context, pool *pgxpool.Pool, schema string) error {
	ctx, cancel := context.WithTimeout(parent, 3*time.Second)
	defer cancel()

	if strings.TrimSpace(schema) == "" {
		schema = "public"
	}

	var missing []string
	for _, table := range chatTables {
		var found bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM information_schema.tables
			    WHERE table_schema = $1 AND table_name = $2)`,
			schema, table,
		).Scan(&found); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !found {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s.{%s}", errSchemaMissing, schema, strings.Join(missing, ","))
	}
	return nil
}
