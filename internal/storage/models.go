package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// NullString is a nullable column that encodes to JSON as a string or null.
type NullString struct {
	sql.NullString
}

// MarshalJSON implements json.Marshaler.
func (n NullString) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.String)
}

// RunRow is one finished crawl run.
type RunRow struct {
	ID         string     `json:"id" db:"id"`
	Site       string     `json:"site" db:"site"`
	Status     string     `json:"status" db:"status"`
	Saved      int        `json:"saved" db:"saved"`
	Duplicates int        `json:"duplicates" db:"duplicates"`
	Skipped    int        `json:"skipped" db:"skipped"`
	Failed     int        `json:"failed" db:"failed"`
	Pages      int        `json:"pages" db:"pages"`
	LastPage   int        `json:"last_page" db:"last_page"`
	Error      NullString `json:"error" db:"error"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt time.Time  `json:"finished_at" db:"finished_at"`
}

// FailureRow is one recorded failure.
type FailureRow struct {
	ID         int64      `json:"id" db:"id"`
	RunID      string     `json:"run_id" db:"run_id"`
	Site       string     `json:"site" db:"site"`
	Title      NullString `json:"title" db:"title"`
	URL        NullString `json:"url" db:"url"`
	ErrorType  string     `json:"error_type" db:"error_type"`
	Message    string     `json:"message" db:"message"`
	OccurredAt time.Time  `json:"occurred_at" db:"occurred_at"`
}

func nullString(s string) NullString {
	return NullString{sql.NullString{String: s, Valid: s != ""}}
}
