package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append + scan)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ReportRecord is one terminal task outcome.
// Keep it compact and schema-stable.
type ReportRecord struct {
	TaskID      string    `json:"task_id"`
	Symbol      string    `json:"symbol"`
	ReportType  string    `json:"report_type"`
	Status      string    `json:"status"`
	ResultJSON  string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
