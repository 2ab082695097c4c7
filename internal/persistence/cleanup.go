package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// clearableTables hold data that is safe to drop: slot names are re-read from
// the device on the next connect.
var clearableTables = []string{"slot_names", "update_history"}

// ClearDatabase empties every cache table in one transaction.
func ClearDatabase(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("clear database: no database")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear database: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range clearableTables {
		// #nosec G202 -- table names come from the fixed list above.
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return tx.Commit()
}
