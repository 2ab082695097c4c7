package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS slot_names(
			device_id TEXT NOT NULL,
			slot_index INTEGER NOT NULL,
			name TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(device_id, slot_index)
		);`,
	},
	{
		`CREATE TABLE IF NOT EXISTS update_history(
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			version TEXT NULL,
			checksum TEXT NULL,
			success INTEGER NOT NULL,
			reason TEXT NULL,
			phase TEXT NULL,
			total_bytes INTEGER NOT NULL DEFAULT 0,
			sent_bytes INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NULL
		);`,
		`CREATE INDEX IF NOT EXISTS update_history_started_at_idx ON update_history(started_at DESC);`,
	},
}

// SchemaVersion is the user_version of a fully migrated database.
var SchemaVersion = len(migrations)

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		if err := applyMigration(ctx, db, i+1, migrations[i]); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, target int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", target, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", target, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, target)); err != nil {
		return fmt.Errorf("set schema version %d: %w", target, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", target, err)
	}

	return nil
}
