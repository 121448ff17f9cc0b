// Package watchlist submits a configured set of symbols for analysis on a
// schedule. Submissions go through the normal gateway path, so the dedup
// invariant applies: a symbol already being analyzed is skipped, not queued
// twice.
package watchlist

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"tickerd/internal/task/engine"
	logx "tickerd/pkg/logx"
)

type Config struct {
	Enabled    bool
	Schedule   string
	Symbols    []string
	ReportType string
}

// Submitter is the gateway seam used by the scheduler.
type Submitter interface {
	Submit(rawSymbol, reportType string, forceRefresh bool) (engine.Task, error)
}

type Service struct {
	log logx.Logger
	sub Submitter

	mu  sync.Mutex
	cfg Config
	cr  *cron.Cron
}

func New(log logx.Logger, sub Submitter) *Service {
	return &Service{log: log, sub: sub}
}

// Apply starts, restarts, or stops the schedule according to cfg.
// It is also the hot-reload entry point.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cr != nil {
		stopCtx := s.cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.cr = nil
	}
	s.cfg = cfg

	if !cfg.Enabled {
		return nil
	}

	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}

	cr := cron.New()
	if _, err := cr.AddFunc(spec, s.runOnce); err != nil {
		return fmt.Errorf("watchlist schedule %q: %w", cfg.Schedule, err)
	}
	cr.Start()
	s.cr = cr
	s.log.Info("watchlist scheduled", logx.String("spec", spec), logx.Int("symbols", len(cfg.Symbols)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	s.mu.Unlock()

	if cr == nil {
		return
	}
	stopCtx := cr.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Service) runOnce() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	for _, sym := range cfg.Symbols {
		t, err := s.sub.Submit(sym, cfg.ReportType, false)
		if err != nil {
			if ce, ok := engine.AsConflict(err); ok {
				s.log.Debug("watchlist symbol already in flight", logx.String("symbol", sym), logx.String("existing", ce.ExistingID))
				continue
			}
			s.log.Warn("watchlist submission failed", logx.String("symbol", sym), logx.Err(err))
			continue
		}
		s.log.Info("watchlist submitted", logx.String("symbol", sym), logx.String("task", t.ID))
	}
}

var hhmmRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseSchedule turns a schedule field into a cron spec. Accepted forms:
//
//	"0 18 * * *"       cron expression
//	"cron:0 18 * * *"  prefixed cron expression
//	"18:00"            daily at HH:MM
func ParseSchedule(raw string) (string, error) {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return "", fmt.Errorf("schedule is required")
	}
	spec = strings.TrimSpace(strings.TrimPrefix(spec, "cron:"))

	if m := hhmmRe.FindStringSubmatch(spec); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		if h > 23 || mi > 59 {
			return "", fmt.Errorf("invalid time of day: %s", raw)
		}
		return fmt.Sprintf("%d %d * * *", mi, h), nil
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return spec, nil
}
