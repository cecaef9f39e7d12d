// Package migrations contains database migration definitions and
// functionality for the caissesync server.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					-- Canonical replicated records. Rows are tombstoned via
					-- is_deleted, never removed.
					CREATE TABLE sync_records (
						sync_id      uuid PRIMARY KEY,
						table_name   text NOT NULL,
						local_id     text NOT NULL,
						origin_node  text NOT NULL,
						version      bigint NOT NULL,
						payload      jsonb NOT NULL,
						last_updated timestamp with time zone NOT NULL DEFAULT now(),
						is_deleted   boolean NOT NULL DEFAULT false,
						UNIQUE (table_name, origin_node, local_id)
					);

					-- Conflicts recorded for rejected pushes.
					CREATE TABLE sync_conflicts (
						id              uuid PRIMARY KEY,
						caisse_id       text NOT NULL,
						table_name      text NOT NULL,
						record_id       text NOT NULL,
						server_snapshot jsonb NOT NULL,
						client_snapshot jsonb NOT NULL,
						server_version  bigint NOT NULL,
						client_version  bigint NOT NULL,
						resolved        boolean NOT NULL DEFAULT false,
						created_at      timestamp with time zone NOT NULL DEFAULT now()
					);

					-- Audit trail of every push/pull attempt, feeding the
					-- status endpoint and stuck-node diagnosis.
					CREATE TABLE sync_audit (
						id         bigserial PRIMARY KEY,
						caisse_id  text NOT NULL,
						direction  text NOT NULL,
						operation  text,
						table_name text,
						record_id  text,
						status     text NOT NULL,
						error      text,
						ts         timestamp with time zone NOT NULL DEFAULT now()
					);

					-- Performance indexes
					CREATE INDEX idx_sync_records_feed ON sync_records(table_name, last_updated);
					CREATE INDEX idx_sync_records_origin ON sync_records(origin_node, last_updated);
					CREATE INDEX idx_sync_conflicts_caisse ON sync_conflicts(caisse_id) WHERE NOT resolved;
					CREATE INDEX idx_sync_audit_caisse ON sync_audit(caisse_id, ts DESC);
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("caissesync_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
