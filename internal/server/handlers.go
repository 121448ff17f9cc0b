package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"tickerd/internal/eventbus"
	"tickerd/internal/gateway"
	"tickerd/internal/task/engine"
	logx "tickerd/pkg/logx"
)

type submitRequest struct {
	Symbol       string `json:"symbol"`
	ReportType   string `json:"report_type,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type conflictResponse struct {
	Error          string `json:"error"`
	Symbol         string `json:"symbol"`
	ExistingTaskID string `json:"existing_task_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	t, err := s.gw.Submit(req.Symbol, req.ReportType, req.ForceRefresh)
	if err != nil {
		var ve *gateway.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Reason})
			return
		}
		if ce, ok := engine.AsConflict(err); ok {
			writeJSON(w, http.StatusConflict, conflictResponse{
				Error:          "analysis already in progress",
				Symbol:         ce.Symbol,
				ExistingTaskID: ce.ExistingID,
			})
			return
		}
		s.log.Error("submit failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "submission failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.reg.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found: " + id})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f engine.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := engine.Status(raw)
		if !st.Known() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status: " + raw})
			return
		}
		f.Status = st
	}
	writeJSON(w, http.StatusOK, s.reg.List(f))
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "report history is not enabled"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit: " + raw})
			return
		}
		limit = n
	}
	recs, err := s.store.ListReports(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.log.Error("report listing failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "report listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(recs), "reports": recs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"registry": s.reg.Snapshot(),
		"runner":   s.runner.Snapshot(),
		"bus":      s.bus.Snapshot(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleStream serves the long-lived SSE event feed: one SSE event per task
// transition plus periodic heartbeats. The stream starts at subscribe time;
// clients reconcile earlier state through the task read endpoints.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ch, unsub := s.bus.Subscribe()
	defer unsub()
	s.log.Debug("stream subscriber connected", logx.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("stream subscriber disconnected", logx.String("remote", r.RemoteAddr))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				// Write failure means the client is gone; unsubscribe frees
				// this stream without touching other subscribers.
				s.log.Debug("stream write failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
				return
			}
			fl.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
