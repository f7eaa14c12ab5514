package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// All timestamps are persisted twice: an ISO-8601 string for humans and
// exports, and epoch seconds for index-friendly range queries. timePair
// produces both from one time.Time; the epoch column is always derived,
// never authoritative on its own.

func timePair(t time.Time) (iso string, epoch int64) {
	u := t.UTC()
	return u.Format(time.RFC3339), u.Unix()
}

func parseISO(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// scanNullString converts sql.NullString to string (empty if NULL)
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanNullTimeISO converts a nullable ISO-8601 column to *time.Time.
func scanNullTimeISO(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseISO(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// scanNullInt64 converts sql.NullInt64 to *int64 (nil if NULL)
func scanNullInt64(ni sql.NullInt64) *int64 {
	if ni.Valid {
		return &ni.Int64
	}
	return nil
}

// marshalStringList encodes a string slice as a JSON array column.
// Empty slices are stored as NULL to keep exports compact.
func marshalStringList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(data)
}

// unmarshalStringList decodes a JSON array column into a string slice.
func unmarshalStringList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil
	}
	return items
}

// nullIfEmpty stores "" as NULL so partial indexes and dedup behave.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts Go bool to SQLite integer.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// truncateRunes caps s at limit runes without splitting a multibyte
// character.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
