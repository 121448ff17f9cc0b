package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tickerd/internal/eventbus"
	"tickerd/pkg/logx"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{}, logx.Nop(), nil)
}

func TestAdmitRejectsActiveDuplicate(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	first, err := reg.Admit(Request{Symbol: "AAPL", ReportType: "simple"})
	if err != nil {
		t.Fatalf("first Admit error: %v", err)
	}

	_, err = reg.Admit(Request{Symbol: "AAPL", ReportType: "simple"})
	conflict, ok := AsConflict(err)
	if !ok {
		t.Fatalf("second Admit error = %v, want ConflictError", err)
	}
	if conflict.ExistingID != first.ID {
		t.Fatalf("ExistingID = %s, want %s", conflict.ExistingID, first.ID)
	}

	// A different symbol admits fine while AAPL is active.
	if _, err := reg.Admit(Request{Symbol: "2330.TW", ReportType: "simple"}); err != nil {
		t.Fatalf("Admit for other symbol error: %v", err)
	}
}

func TestAdmitConcurrentSameSymbol(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, conflicted int

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Admit(Request{Symbol: "600519", ReportType: "full"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			if _, ok := AsConflict(err); ok {
				conflicted++
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("admitted = %d, want exactly 1", admitted)
	}
	if conflicted != goroutines-1 {
		t.Fatalf("conflicted = %d, want %d", conflicted, goroutines-1)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	task, err := reg.Admit(Request{Symbol: "NVDA", ReportType: "simple"})
	if err != nil {
		t.Fatalf("Admit error: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("Status = %s, want %s", task.Status, StatusPending)
	}

	// Completing a pending task is illegal.
	if _, err := reg.MarkCompleted(task.ID, nil); err == nil {
		t.Fatal("MarkCompleted on pending task should fail")
	}

	if err := reg.MarkStarted(task.ID); err != nil {
		t.Fatalf("MarkStarted error: %v", err)
	}
	got, _ := reg.Get(task.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("Status = %s, want %s", got.Status, StatusProcessing)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}

	// Starting twice is illegal.
	err = reg.MarkStarted(task.ID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("second MarkStarted error = %v, want TransitionError", err)
	}

	final, err := reg.MarkCompleted(task.ID, map[string]string{"summary": "ok"})
	if err != nil {
		t.Fatalf("MarkCompleted error: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", final.Status, StatusCompleted)
	}
	if final.Progress != 100 {
		t.Fatalf("Progress = %d, want 100", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	// Terminal is exactly-once: both terminal calls now fail.
	if _, err := reg.MarkCompleted(task.ID, nil); err == nil {
		t.Fatal("second MarkCompleted should fail")
	}
	if _, err := reg.MarkFailed(task.ID, "late"); err == nil {
		t.Fatal("MarkFailed after completion should fail")
	}
	got, _ = reg.Get(task.ID)
	if got.Status != StatusCompleted || got.Error != "" {
		t.Fatalf("terminal state mutated: status=%s error=%q", got.Status, got.Error)
	}
}

func TestResubmitAfterTerminal(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	first, _ := reg.Admit(Request{Symbol: "TSLA", ReportType: "simple"})
	if err := reg.MarkStarted(first.ID); err != nil {
		t.Fatalf("MarkStarted error: %v", err)
	}
	if _, err := reg.MarkFailed(first.ID, "upstream down"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	second, err := reg.Admit(Request{Symbol: "TSLA", ReportType: "simple"})
	if err != nil {
		t.Fatalf("resubmit after failure error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("resubmission reused the old task ID")
	}

	// Both tasks remain readable until swept.
	if _, ok := reg.Get(first.ID); !ok {
		t.Fatal("failed task evicted before grace period")
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	task, _ := reg.Admit(Request{Symbol: "MSFT", ReportType: "simple"})

	// Progress on a pending task is rejected.
	if err := reg.UpdateProgress(task.ID, 10, ""); err == nil {
		t.Fatal("UpdateProgress on pending task should fail")
	}

	if err := reg.MarkStarted(task.ID); err != nil {
		t.Fatalf("MarkStarted error: %v", err)
	}

	steps := []struct {
		set  int
		want int
	}{
		{set: 30, want: 30},
		{set: 10, want: 30},  // never decreases
		{set: 70, want: 70},
		{set: 150, want: 100}, // clamped
	}
	for _, s := range steps {
		if err := reg.UpdateProgress(task.ID, s.set, "working"); err != nil {
			t.Fatalf("UpdateProgress(%d) error: %v", s.set, err)
		}
		got, _ := reg.Get(task.ID)
		if got.Progress != s.want {
			t.Fatalf("Progress after set %d = %d, want %d", s.set, got.Progress, s.want)
		}
	}

	got, _ := reg.Get(task.ID)
	if got.Message != "working" {
		t.Fatalf("Message = %q, want %q", got.Message, "working")
	}
}

func TestListFilterAndOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	a, _ := reg.Admit(Request{Symbol: "AAA", ReportType: "simple"})
	time.Sleep(2 * time.Millisecond)
	b, _ := reg.Admit(Request{Symbol: "BBB", ReportType: "simple"})
	_ = reg.MarkStarted(b.ID)

	res := reg.List(ListFilter{})
	if res.Total != 2 || res.Pending != 1 || res.Processing != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", res.Total, res.Pending, res.Processing)
	}
	if len(res.Tasks) != 2 || res.Tasks[0].ID != b.ID || res.Tasks[1].ID != a.ID {
		t.Fatal("tasks not ordered newest first")
	}

	res = reg.List(ListFilter{Status: StatusPending})
	if len(res.Tasks) != 1 || res.Tasks[0].ID != a.ID {
		t.Fatalf("pending filter returned %d tasks", len(res.Tasks))
	}
	// Counts cover the full set regardless of the filter.
	if res.Total != 2 {
		t.Fatalf("filtered Total = %d, want 2", res.Total)
	}
}

func TestSweepEvictsOnlyStaleTerminal(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(RegistryConfig{GracePeriod: time.Millisecond}, logx.Nop(), nil)

	done, _ := reg.Admit(Request{Symbol: "OLD", ReportType: "simple"})
	_ = reg.MarkStarted(done.ID)
	_, _ = reg.MarkCompleted(done.ID, nil)

	pending, _ := reg.Admit(Request{Symbol: "NEW", ReportType: "simple"})

	time.Sleep(5 * time.Millisecond)
	if removed := reg.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := reg.Get(done.ID); ok {
		t.Fatal("stale terminal task still present")
	}
	if _, ok := reg.Get(pending.ID); !ok {
		t.Fatal("active task was evicted")
	}
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(eventbus.Config{SubscriberBuffer: 16}, logx.Nop())
	reg := NewRegistry(RegistryConfig{}, logx.Nop(), bus)

	ch, unsub := bus.Subscribe()
	defer unsub()

	task, _ := reg.Admit(Request{Symbol: "GOOG", ReportType: "simple"})
	_ = reg.MarkStarted(task.ID)
	_, _ = reg.MarkFailed(task.ID, "boom")

	want := []eventbus.Type{eventbus.TypeCreated, eventbus.TypeStarted, eventbus.TypeFailed}
	for i, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Fatalf("event[%d].Type = %s, want %s", i, ev.Type, w)
			}
			snap, ok := ev.Data.(Task)
			if !ok {
				t.Fatalf("event[%d].Data is %T, want Task", i, ev.Data)
			}
			if snap.ID != task.ID {
				t.Fatalf("event[%d] task = %s, want %s", i, snap.ID, task.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
