package engine

import (
	"time"
)

// Status is the task lifecycle state machine:
//
//	pending → processing → {completed | failed}
//
// completed and failed are terminal; no transition leaves them.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the defined lifecycle states.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Request carries the submission parameters for one analysis.
// Symbol must already be normalized by the validator.
type Request struct {
	Symbol       string `json:"symbol"`
	ReportType   string `json:"report_type"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

// Task is the unit of orchestrated work.
//
// The registry owns the authoritative copy; every Task that leaves the
// registry is a snapshot. ID and Symbol never change after admission.
type Task struct {
	ID           string     `json:"task_id"`
	Symbol       string     `json:"symbol"`
	ReportType   string     `json:"report_type"`
	ForceRefresh bool       `json:"force_refresh,omitempty"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       any        `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// snapshot returns a copy safe to hand outside the registry lock.
func (t *Task) snapshot() Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return cp
}

// RegistryConfig controls task retention.
//
// GracePeriod is how long a terminal task stays readable before Sweep
// evicts it, so observers can notice the terminal event first.
type RegistryConfig struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// RunnerConfig controls the execution worker pool.
type RunnerConfig struct {
	Workers int

	// Timeout bounds a single collaborator invocation. 0 disables.
	Timeout time.Duration

	// DispatchInterval paces consecutive dispatches across all workers,
	// to respect external collaborator rate limits. 0 disables pacing.
	DispatchInterval time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// ListFilter selects tasks for List. Zero value selects everything.
type ListFilter struct {
	Status Status
}

// ListResult is the List read model: counts over the full active set
// plus the matching snapshots, newest first.
type ListResult struct {
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Tasks      []Task `json:"tasks"`
}

// RegistrySnapshot is a lightweight diagnostics view.
type RegistrySnapshot struct {
	Active   int    `json:"active"`
	Terminal int    `json:"terminal"`
	Admitted uint64 `json:"admitted"`
	Rejected uint64 `json:"rejected"`
	Swept    uint64 `json:"swept"`
}

// RunnerSnapshot is a lightweight diagnostics view.
type RunnerSnapshot struct {
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	InFlight int    `json:"in_flight"`
	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
}
