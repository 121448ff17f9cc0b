package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickerd/internal/analysis"
	"tickerd/internal/task/engine"
	"tickerd/pkg/logx"
)

func newTestGateway(t *testing.T, collab analysis.Collaborator) (*Gateway, *engine.Registry) {
	t.Helper()
	reg := engine.NewRegistry(engine.RegistryConfig{}, logx.Nop(), nil)
	runner := engine.NewRunner(engine.RunnerConfig{Workers: 1}, logx.Nop(), reg, collab, nil)
	runner.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runner.Stop(ctx)
	})
	return New(logx.Nop(), reg, runner), reg
}

func blockingCollab(release <-chan struct{}) analysis.Collaborator {
	return analysis.Func(func(ctx context.Context, req analysis.Request) (*analysis.Report, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &analysis.Report{Symbol: req.Symbol}, nil
	})
}

func TestSubmitAcceptsAndNormalizes(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	gw, _ := newTestGateway(t, blockingCollab(release))

	task, err := gw.Submit("  600519 ", "", false)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if task.Symbol != "600519" {
		t.Fatalf("Symbol = %q, want normalized %q", task.Symbol, "600519")
	}
	if task.ReportType != ReportTypeSimple {
		t.Fatalf("ReportType = %q, want default %q", task.ReportType, ReportTypeSimple)
	}
	if task.Status != engine.StatusPending {
		t.Fatalf("Status = %s, want %s", task.Status, engine.StatusPending)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	gw, reg := newTestGateway(t, blockingCollab(release))

	tests := []struct {
		name       string
		symbol     string
		reportType string
	}{
		{name: "empty symbol", symbol: "", reportType: "simple"},
		{name: "garbage symbol", symbol: "!!!", reportType: "simple"},
		{name: "unknown report type", symbol: "AAPL", reportType: "extended"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Submit(tt.symbol, tt.reportType, false)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Submit error = %v, want ValidationError", err)
			}
		})
	}

	// Rejections never create tasks.
	if res := reg.List(engine.ListFilter{}); res.Total != 0 {
		t.Fatalf("Total = %d after rejections, want 0", res.Total)
	}
}

func TestSubmitConflictOnActiveSymbol(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	gw, _ := newTestGateway(t, blockingCollab(release))

	first, err := gw.Submit("AAPL", "simple", false)
	if err != nil {
		t.Fatalf("first Submit error: %v", err)
	}

	// Whitespace and case variants hit the same normalized symbol.
	_, err = gw.Submit(" aapl ", "simple", false)
	conflict, ok := engine.AsConflict(err)
	if !ok {
		t.Fatalf("second Submit error = %v, want ConflictError", err)
	}
	if conflict.ExistingID != first.ID {
		t.Fatalf("ExistingID = %s, want %s", conflict.ExistingID, first.ID)
	}
}

func TestSubmitAfterRunnerStopped(t *testing.T) {
	t.Parallel()
	reg := engine.NewRegistry(engine.RegistryConfig{}, logx.Nop(), nil)
	collab := analysis.Func(func(ctx context.Context, req analysis.Request) (*analysis.Report, error) {
		return &analysis.Report{Symbol: req.Symbol}, nil
	})
	runner := engine.NewRunner(engine.RunnerConfig{Workers: 1}, logx.Nop(), reg, collab, nil)
	runner.Start(context.Background())
	runner.Stop(context.Background())
	gw := New(logx.Nop(), reg, runner)

	_, err := gw.Submit("AAPL", "simple", false)
	if err == nil {
		t.Fatal("Submit with stopped runner should fail")
	}

	// The admitted task was closed out; the symbol is not stuck.
	res := reg.List(engine.ListFilter{Status: engine.StatusFailed})
	if len(res.Tasks) != 1 {
		t.Fatalf("failed tasks = %d, want 1", len(res.Tasks))
	}
	if _, err := reg.Admit(engine.Request{Symbol: "AAPL", ReportType: "simple"}); err != nil {
		t.Fatalf("symbol still blocked after runner refusal: %v", err)
	}
}

func TestNormalizeReportType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: ReportTypeSimple},
		{raw: "simple", want: ReportTypeSimple},
		{raw: "FULL", want: ReportTypeFull},
		{raw: " full ", want: ReportTypeFull},
		{raw: "detailed", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeReportType(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("normalizeReportType(%q) accepted", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeReportType(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("normalizeReportType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
