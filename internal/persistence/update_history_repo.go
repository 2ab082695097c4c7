package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/sparkin/internal/firmware"
)

type UpdateRecord struct {
	ID         string
	Kind       string
	Version    string
	Checksum   string
	Success    bool
	Reason     string
	Phase      string
	TotalBytes int
	SentBytes  int
	StartedAt  time.Time
	FinishedAt time.Time
}

type UpdateHistoryRepo struct {
	db *sql.DB
}

func NewUpdateHistoryRepo(db *sql.DB) *UpdateHistoryRepo {
	return &UpdateHistoryRepo{db: db}
}

func (r *UpdateHistoryRepo) Insert(ctx context.Context, rec UpdateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO update_history(
			id, kind, version, checksum, success, reason, phase,
			total_bytes, sent_bytes, started_at, finished_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Kind,
		optText(rec.Version),
		optText(rec.Checksum),
		rec.Success,
		optText(rec.Reason),
		optText(rec.Phase),
		rec.TotalBytes,
		rec.SentBytes,
		epochMillis(rec.StartedAt),
		optMillis(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert update history: %w", err)
	}

	return nil
}

// RecordFirmwareUpdate stores the outcome of a firmware update session.
func (r *UpdateHistoryRepo) RecordFirmwareUpdate(ctx context.Context, res firmware.Result) error {
	return r.Insert(ctx, UpdateRecord{
		ID:         res.SessionID,
		Kind:       "firmware",
		Checksum:   res.Checksum,
		Success:    res.Success,
		Reason:     res.Reason,
		Phase:      res.Phase.String(),
		TotalBytes: res.Total,
		SentBytes:  res.Sent,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	})
}

func (r *UpdateHistoryRepo) ListRecent(ctx context.Context, limit int) ([]UpdateRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, version, checksum, success, reason, phase,
			total_bytes, sent_bytes, started_at, finished_at
		FROM update_history
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query update history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UpdateRecord
	for rows.Next() {
		var (
			rec                              UpdateRecord
			version, checksum, reason, phase sql.NullString
			success                          bool
			startedMS                        int64
			finishedMS                       sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &version, &checksum, &success, &reason, &phase,
			&rec.TotalBytes, &rec.SentBytes, &startedMS, &finishedMS); err != nil {
			return nil, fmt.Errorf("scan update history: %w", err)
		}
		rec.Version = version.String
		rec.Checksum = checksum.String
		rec.Reason = reason.String
		rec.Phase = phase.String
		rec.Success = success
		rec.StartedAt = millisTime(startedMS)
		if finishedMS.Valid {
			rec.FinishedAt = millisTime(finishedMS.Int64)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update history: %w", err)
	}

	return out, nil
}
