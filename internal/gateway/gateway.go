// Package gateway is the public submission entry point: it validates a raw
// request, asks the registry to admit or reject it, and hands accepted work
// to the runner. Its latency is bounded by the registry's critical section,
// never by analysis execution.
package gateway

import (
	"fmt"
	"strings"

	"tickerd/internal/symbol"
	"tickerd/internal/task/engine"
	logx "tickerd/pkg/logx"
)

const (
	ReportTypeSimple = "simple"
	ReportTypeFull   = "full"
)

// ValidationError marks a request rejected before admission; no task was
// created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

type Gateway struct {
	log    logx.Logger
	reg    *engine.Registry
	runner *engine.Runner
}

func New(log logx.Logger, reg *engine.Registry, runner *engine.Runner) *Gateway {
	return &Gateway{log: log, reg: reg, runner: runner}
}

// Submit validates, admits, and enqueues one analysis request. It returns
// the pending task snapshot on success, a *ValidationError for malformed
// input, or a *engine.ConflictError when an active task already covers the
// symbol. It never waits for the analysis itself.
func (g *Gateway) Submit(rawSymbol, reportType string, forceRefresh bool) (engine.Task, error) {
	v := symbol.Validate(rawSymbol)
	if !v.Valid {
		return engine.Task{}, &ValidationError{Reason: v.Reason}
	}

	rt, err := normalizeReportType(reportType)
	if err != nil {
		return engine.Task{}, &ValidationError{Reason: err.Error()}
	}

	req := engine.Request{Symbol: v.Normalized, ReportType: rt, ForceRefresh: forceRefresh}
	t, err := g.reg.Admit(req)
	if err != nil {
		return engine.Task{}, err
	}

	if err := g.runner.Enqueue(t.ID, req); err != nil {
		// Runner refused (shutdown); close the task out so it can't dangle
		// pending forever and block future admissions for the symbol.
		if serr := g.reg.MarkStarted(t.ID); serr == nil {
			if final, ferr := g.reg.MarkFailed(t.ID, "runner unavailable: "+err.Error()); ferr == nil {
				return final, fmt.Errorf("enqueue: %w", err)
			}
		}
		return engine.Task{}, fmt.Errorf("enqueue: %w", err)
	}
	return t, nil
}

func normalizeReportType(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", ReportTypeSimple:
		return ReportTypeSimple, nil
	case ReportTypeFull:
		return ReportTypeFull, nil
	default:
		return "", fmt.Errorf("unknown report type: %s", raw)
	}
}
