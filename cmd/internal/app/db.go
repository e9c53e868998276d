package app

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const auditApplicationName = "entangle-audit"

// openAuditPool connects the pool behind the audit log and checks that a
// connection can be acquired. Session state never touches it.
func openAuditPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := auditPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingAuditDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// auditPoolConfig tunes the pool for one short INSERT per stage call, made
// while the caller waits for its response.
func auditPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = min(cfg.DBMinConns, pcfg.MaxConns)
	}
	if cfg.DBMaxConnIdle > 0 {
		pcfg.MaxConnIdleTime = cfg.DBMaxConnIdle
	}

	params := pcfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = auditApplicationName
	}
	if cfg.DBStatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.DBStatementTimeout.Milliseconds(), 10)
	}
	return pcfg, nil
}

// pingAuditDB checks that a connection can be acquired within timeout.
func pingAuditDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
