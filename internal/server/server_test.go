package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickerd/internal/analysis"
	"tickerd/internal/eventbus"
	"tickerd/internal/gateway"
	"tickerd/internal/task/engine"
	"tickerd/pkg/logx"
)

type testStack struct {
	srv    *Server
	reg    *engine.Registry
	bus    *eventbus.Bus
	runner *engine.Runner
}

func newTestStack(t *testing.T, collab analysis.Collaborator) *testStack {
	t.Helper()
	if collab == nil {
		collab = analysis.Func(func(ctx context.Context, req analysis.Request) (*analysis.Report, error) {
			return &analysis.Report{Symbol: req.Symbol, Summary: "fine"}, nil
		})
	}
	bus := eventbus.New(eventbus.Config{SubscriberBuffer: 32}, logx.Nop())
	reg := engine.NewRegistry(engine.RegistryConfig{}, logx.Nop(), bus)
	runner := engine.NewRunner(engine.RunnerConfig{Workers: 1}, logx.Nop(), reg, collab, nil)
	runner.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runner.Stop(ctx)
	})
	gw := gateway.New(logx.Nop(), reg, runner)
	srv := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(), gw, reg, runner, bus, nil, nil)
	return &testStack{srv: srv, reg: reg, bus: bus, runner: runner}
}

func (ts *testStack) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	ts.srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestSubmitEndpoint(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	defer close(blocked)
	ts := newTestStack(t, analysis.Func(func(ctx context.Context, req analysis.Request) (*analysis.Report, error) {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return &analysis.Report{Symbol: req.Symbol}, nil
	}))

	rec := ts.do(t, http.MethodPost, "/api/analyze", map[string]any{"symbol": " 2330.tw ", "report_type": "full"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var task engine.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Symbol != "2330.TW" || task.ID == "" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// Duplicate while the first is in flight.
	rec = ts.do(t, http.MethodPost, "/api/analyze", map[string]any{"symbol": "2330.TW"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	var conflict conflictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict.ExistingTaskID != task.ID {
		t.Fatalf("ExistingTaskID = %s, want %s", conflict.ExistingTaskID, task.ID)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "empty symbol", body: map[string]any{"symbol": ""}},
		{name: "bad symbol", body: map[string]any{"symbol": "!!!"}},
		{name: "bad report type", body: map[string]any{"symbol": "AAPL", "report_type": "huge"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/analyze", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			var er errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil || er.Error == "" {
				t.Fatalf("expected error body, got %s", rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	ts.srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/tasks/no-such-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rec.Code)
	}

	task, err := ts.reg.Admit(engine.Request{Symbol: "600519", ReportType: "simple"})
	if err != nil {
		t.Fatalf("Admit error: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("task status = %d, want 200", rec.Code)
	}
	var got engine.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != task.ID || got.Status != engine.StatusPending {
		t.Fatalf("got %s/%s", got.ID, got.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var list engine.ListResult
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/api/tasks?status=sideways", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", rec.Code)
	}
}

func TestReportsDisabled(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/reports", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reports status = %d, want 404 when storage disabled", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	for _, key := range []string{"status", "registry", "runner", "bus"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("health body missing %q: %v", key, body)
		}
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)

	// A real server, because SSE needs a flushing transport.
	if err := ts.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { ts.srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ts.srv.Addr()+"/api/events", http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	task, err := ts.reg.Admit(engine.Request{Symbol: "NVDA", ReportType: "simple"})
	if err != nil {
		t.Fatalf("Admit error: %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan stream: %v", err)
	}
	if eventLine != string(eventbus.TypeCreated) {
		t.Fatalf("event = %q, want %q", eventLine, eventbus.TypeCreated)
	}
	var ev struct {
		Type eventbus.Type `json:"type"`
		Data engine.Task   `json:"data"`
	}
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode stream data %q: %v", dataLine, err)
	}
	if ev.Data.ID != task.ID {
		t.Fatalf("stream task = %s, want %s", ev.Data.ID, task.ID)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t, nil)
	srv := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(), nil, ts.reg, ts.runner, ts.bus, nil, nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr empty after Start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	srv.Stop(context.Background())
	if srv.Addr() != "" {
		t.Fatal("Addr not cleared after Stop")
	}
}
