package dbx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sos-mesh-relay/shared/config"
)

var ErrNoPool = errors.New("db pool is nil")

// PoolConfig translates cfg into pgx pool settings. Zero sizes keep the pgx
// defaults; connections report the service name as application_name.
func PoolConfig(cfg config.Config) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	if cfg.DBMinConns > 0 && cfg.DBMinConns <= int(poolCfg.MaxConns) {
		poolCfg.MinConns = int32(cfg.DBMinConns)
	}
	if cfg.DBConnMaxIdleSec > 0 {
		poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	}
	if cfg.DBConnMaxLifeSec > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	return poolCfg, nil
}

func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Ping runs a trivial query so readiness reflects a usable connection, not
// just an open socket.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNoPool
	}
	var one int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
