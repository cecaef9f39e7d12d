// Package server implements the central caissesync server: the push/pull/
// status HTTP surface and its PostgreSQL storage.
package server

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/retry"
	"github.com/caisselink/caissesync/internal/server/migrations"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PgxPoolIface is interface representing pgx pool
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
	Config() *pgxpool.Config
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// ConnConfigCallback mutates the pool config before connecting.
type ConnConfigCallback = func(*pgxpool.Config) error

// NewPool creates a new connection pool from a PostgreSQL URL.
func NewPool(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	logger := logrus.WithField("component", "postgresql")
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second
	connConfig.ConnConfig.RuntimeParams["application_name"] = "caissesyncd"
	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	for _, f := range callbacks {
		if err := f(connConfig); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

// NewPoolWithRetry creates a new connection pool with retry logic.
func NewPoolWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	config := retry.PostgreSQLDefaults()

	var pool PgxPoolIface
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		pool, attemptErr = NewPool(ctx, connStr, callbacks...)
		if attemptErr != nil {
			return attemptErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			if pool != nil {
				pool.Close()
			}
			return pingErr
		}
		return nil
	}, "Postgres connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection after all retries")
		return nil, err
	}
	return pool, nil
}

// ApplyMigrations checks and applies database migrations if needed
func ApplyMigrations(ctx context.Context, conn *pgx.Conn) error {
	needsMigration, err := migrations.NeedsUpgrade(ctx, conn)
	if err != nil {
		return err
	}
	if needsMigration {
		logrus.Info("Applying database migrations...")
		if err := migrations.Apply(ctx, conn); err != nil {
			return err
		}
		logrus.Info("Database migrations completed successfully")
	} else {
		logrus.Info("Database schema is up to date")
	}
	return nil
}
