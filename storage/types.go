package storage

import (
	"database/sql"
	"time"
)

// Times are stored as unix nanoseconds so cached logs order exactly like the
// server's.
func toUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnixNano(*t), Valid: true}
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := fromUnixNano(ni.Int64)
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
