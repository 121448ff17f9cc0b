package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickerd/internal/eventbus"
	logx "tickerd/pkg/logx"
)

// Registry is the single source of truth for task existence, identity, and
// state transitions.
//
// Invariant: at most one task with status pending or processing exists per
// symbol at any instant. Admit's check-then-create runs inside mu, so two
// submissions racing on the same symbol yield exactly one admitted task.
//
// Lifecycle events are published while mu is held; Bus.Publish is
// non-blocking, and this keeps per-subscriber event order aligned with the
// registry's transition order.
type Registry struct {
	cfg RegistryConfig
	log logx.Logger
	bus *eventbus.Bus

	mu     sync.Mutex
	tasks  map[string]*Task  // taskID -> authoritative task
	active map[string]string // symbol -> taskID while pending/processing

	admitted atomic.Uint64
	rejected atomic.Uint64
	swept    atomic.Uint64
}

func NewRegistry(cfg RegistryConfig, log logx.Logger, bus *eventbus.Bus) *Registry {
	return &Registry{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		tasks:  map[string]*Task{},
		active: map[string]string{},
	}
}

// Admit creates a new pending task for req.Symbol unless an active task
// already exists for it, in which case a ConflictError naming the existing
// task is returned and nothing is created or published.
func (r *Registry) Admit(req Request) (Task, error) {
	now := time.Now()

	r.mu.Lock()
	if id, ok := r.active[req.Symbol]; ok {
		r.mu.Unlock()
		r.rejected.Add(1)
		r.log.Debug("admission rejected", logx.String("symbol", req.Symbol), logx.String("existing", id))
		return Task{}, &ConflictError{Symbol: req.Symbol, ExistingID: id}
	}

	t := &Task{
		ID:           uuid.NewString(),
		Symbol:       req.Symbol,
		ReportType:   req.ReportType,
		ForceRefresh: req.ForceRefresh,
		Status:       StatusPending,
		CreatedAt:    now,
	}
	r.tasks[t.ID] = t
	r.active[t.Symbol] = t.ID
	snap := t.snapshot()
	r.publishLocked(eventbus.TypeCreated, snap)
	r.mu.Unlock()

	r.admitted.Add(1)
	r.log.Info("task admitted", logx.String("task", t.ID), logx.String("symbol", req.Symbol), logx.String("report_type", req.ReportType))
	return snap, nil
}

// MarkStarted transitions pending -> processing and stamps StartedAt once.
func (r *Registry) MarkStarted(id string) error {
	now := time.Now()

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.Status != StatusPending {
		err := &TransitionError{ID: id, From: t.Status, To: StatusProcessing}
		r.mu.Unlock()
		return err
	}
	t.Status = StatusProcessing
	t.StartedAt = &now
	r.publishLocked(eventbus.TypeStarted, t.snapshot())
	r.mu.Unlock()

	r.log.Debug("task started", logx.String("task", id))
	return nil
}

// UpdateProgress records progress while processing. Progress is clamped to
// [current, 100] so it never decreases; message replaces the transient
// annotation when non-empty. Progress is observed via reads, not broadcast.
func (r *Registry) UpdateProgress(id string, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusProcessing {
		return &TransitionError{ID: id, From: t.Status, To: t.Status}
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	return nil
}

// MarkCompleted transitions processing -> completed and attaches the result.
// A second terminal call returns a TransitionError and alters nothing.
func (r *Registry) MarkCompleted(id string, result any) (Task, error) {
	return r.finish(id, StatusCompleted, result, "")
}

// MarkFailed transitions processing -> failed with a human-readable reason.
// A second terminal call returns a TransitionError and alters nothing.
func (r *Registry) MarkFailed(id string, reason string) (Task, error) {
	return r.finish(id, StatusFailed, nil, reason)
}

func (r *Registry) finish(id string, to Status, result any, reason string) (Task, error) {
	now := time.Now()

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return Task{}, ErrNotFound
	}
	if t.Status != StatusProcessing {
		err := &TransitionError{ID: id, From: t.Status, To: to}
		r.mu.Unlock()
		return Task{}, err
	}
	t.Status = to
	t.CompletedAt = &now
	t.Message = ""
	if to == StatusCompleted {
		t.Progress = 100
		t.Result = result
	} else {
		t.Error = reason
	}
	delete(r.active, t.Symbol)
	snap := t.snapshot()
	evType := eventbus.TypeCompleted
	if to == StatusFailed {
		evType = eventbus.TypeFailed
	}
	r.publishLocked(evType, snap)
	r.mu.Unlock()

	if to == StatusFailed {
		r.log.Warn("task failed", logx.String("task", id), logx.String("symbol", snap.Symbol), logx.String("reason", reason))
	} else {
		r.log.Info("task completed", logx.String("task", id), logx.String("symbol", snap.Symbol))
	}
	return snap, nil
}

// Get returns a snapshot of the task, if present.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// List returns counts over all known tasks plus snapshots matching the
// filter, newest first.
func (r *Registry) List(f ListFilter) ListResult {
	r.mu.Lock()
	res := ListResult{Tasks: make([]Task, 0, len(r.tasks))}
	for _, t := range r.tasks {
		res.Total++
		switch t.Status {
		case StatusPending:
			res.Pending++
		case StatusProcessing:
			res.Processing++
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		res.Tasks = append(res.Tasks, t.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(res.Tasks, func(i, j int) bool {
		return res.Tasks[i].CreatedAt.After(res.Tasks[j].CreatedAt)
	})
	return res
}

// Sweep evicts terminal tasks whose CompletedAt is older than the grace
// period and reports how many were removed. Active tasks are never evicted.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.cfg.GracePeriod)

	r.mu.Lock()
	removed := 0
	for id, t := range r.tasks {
		if !t.Status.Terminal() {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.swept.Add(uint64(removed))
		r.log.Debug("swept terminal tasks", logx.Int("removed", removed))
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Sweep()
		}
	}
}

func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.Lock()
	total := len(r.tasks)
	active := len(r.active)
	r.mu.Unlock()
	return RegistrySnapshot{
		Active:   active,
		Terminal: total - active,
		Admitted: r.admitted.Load(),
		Rejected: r.rejected.Load(),
		Swept:    r.swept.Load(),
	}
}

func (r *Registry) publishLocked(evType eventbus.Type, snap Task) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: evType, Data: snap})
}
