package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tickerd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Reports live in <prefix>.reports.jsonl, append-only JSON Lines. Reads
// scan the file; this backend targets small deployments where the history
// volume is bounded by the analysis rate, not high-throughput querying.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	reportPath string
	reportFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	reportPath := prefix + ".reports.jsonl"
	f, err := os.OpenFile(reportPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, reportPath: reportPath, reportFile: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportFile == nil {
		return nil
	}
	err := s.reportFile.Close()
	s.reportFile = nil
	return err
}

func (s *fileStore) AppendReport(ctx context.Context, r ReportRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportFile == nil {
		return errors.New("report file closed")
	}
	return json.NewEncoder(s.reportFile).Encode(r)
}

func (s *fileStore) ListReports(ctx context.Context, symbol string, limit int) ([]ReportRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.Lock()
	path := s.reportPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []ReportRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r ReportRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Tolerate a torn tail line from a crashed writer.
			continue
		}
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Newest last on disk; return newest first, capped.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
