package app

import (
	"context"
	"encoding/json"
	"time"

	"tickerd/internal/storage"
	"tickerd/internal/task/engine"
	"tickerd/pkg/logx"
)

// historySink adapts the storage layer to the runner's terminal hook.
type historySink struct {
	store storage.Store
	log   logx.Logger
}

// newHistorySink returns nil when storage is disabled so the runner
// skips recording entirely.
func newHistorySink(store storage.Store, log logx.Logger) engine.HistorySink {
	if store == nil {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &historySink{store: store, log: log}
}

func (h *historySink) RecordTerminal(ctx context.Context, t engine.Task) error {
	rec := storage.ReportRecord{
		TaskID:     t.ID,
		Symbol:     t.Symbol,
		ReportType: t.ReportType,
		Status:     string(t.Status),
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
	}
	if t.StartedAt != nil {
		rec.StartedAt = *t.StartedAt
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = *t.CompletedAt
	} else {
		rec.CompletedAt = time.Now()
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			h.log.Warn("result not serializable", logx.String("task", t.ID), logx.Err(err))
		} else {
			rec.ResultJSON = string(b)
		}
	}
	return h.store.AppendReport(ctx, rec)
}
