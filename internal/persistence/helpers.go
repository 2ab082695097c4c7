package persistence

import (
	"database/sql"
	"time"
)

// Timestamps are stored as unix milliseconds. Zero time maps to 0.
func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func millisTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

func optMillis(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: !t.IsZero()}
}

func optText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
