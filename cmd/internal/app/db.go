package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName   = "threadsync"
	dbConnectTimeout    = 3 * time.Second
	dbHealthCheckPeriod = 30 * time.Second
	dbReadyTimeout      = 2 * time.Second
)

var errNoDatabaseURL = errors.New("app: database_url is empty")

// poolConfig maps the app's DB settings onto a pgxpool config. No
// connection is made.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabaseURL
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database_url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// NewPool opens the delivery-mark pool and waits for one connection.
func NewPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: open pool: %w", err)
	}
	if err := pingPool(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		log.Error("db.connect.fail", "host", pcfg.ConnConfig.Host, "db", pcfg.ConnConfig.Database, "err", err)
		return nil, fmt.Errorf("app: connect: %w", err)
	}

	log.Info("db.connect",
		"host", pcfg.ConnConfig.Host,
		"db", pcfg.ConnConfig.Database,
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
	)
	return pool, nil
}

func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
