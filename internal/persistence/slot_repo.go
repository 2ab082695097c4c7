package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skobkin/sparkin/internal/slots"
)

// SlotRepo caches slot names reported by each peripheral so they can be
// shown while the device is offline.
type SlotRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSlotRepo(db *sql.DB) *SlotRepo {
	return &SlotRepo{db: db, now: time.Now}
}

// ReplaceAll stores the complete slot list of deviceID.
func (r *SlotRepo) ReplaceAll(ctx context.Context, deviceID string, list []slots.Slot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace slots tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_names WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear slots: %w", err)
	}
	now := epochMillis(r.now())
	for _, s := range list {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slot_names(device_id, slot_index, name, updated_at)
			VALUES(?, ?, ?, ?)
		`, deviceID, int(s.Index), s.Name, now); err != nil {
			return fmt.Errorf("insert slot %d: %w", s.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace slots tx: %w", err)
	}

	return nil
}

func (r *SlotRepo) Upsert(ctx context.Context, deviceID string, s slots.Slot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO slot_names(device_id, slot_index, name, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(device_id, slot_index) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
	`, deviceID, int(s.Index), s.Name, epochMillis(r.now()))
	if err != nil {
		return fmt.Errorf("upsert slot: %w", err)
	}

	return nil
}

func (r *SlotRepo) Delete(ctx context.Context, deviceID string, index uint8) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM slot_names WHERE device_id = ? AND slot_index = ?`, deviceID, int(index)); err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}

	return nil
}

// List returns the cached slots of deviceID ordered by index.
func (r *SlotRepo) List(ctx context.Context, deviceID string) ([]slots.Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot_index, name FROM slot_names
		WHERE device_id = ?
		ORDER BY slot_index
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []slots.Slot
	for rows.Next() {
		var (
			idx  int
			name string
		)
		if err := rows.Scan(&idx, &name); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		if idx < 0 || idx >= slots.MaxSlots {
			continue
		}
		out = append(out, slots.Slot{Index: uint8(idx), Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}

	return out, nil
}

// Devices lists device ids that have cached slots.
func (r *SlotRepo) Devices(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM slot_names ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, id)
	}

	return out, rows.Err()
}
