package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteTimeLayout is fixed width in UTC so stored values sort lexically.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatSQLiteTime renders t for a TEXT column.
func FormatSQLiteTime(t time.Time) string {
	return t.UTC().Format(SQLiteTimeLayout)
}

// FormatSQLiteTimePtr renders an optional time; nil becomes NULL.
func FormatSQLiteTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatSQLiteTime(*t), Valid: true}
}

// ParseSQLiteTime parses a value written by FormatSQLiteTime. RFC 3339 values
// written by other tools are accepted as well.
func ParseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseSQLiteTimePtr parses a nullable TEXT column.
func ParseSQLiteTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := ParseSQLiteTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
