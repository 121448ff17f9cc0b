package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickerd/internal/analysis"
	rtsup "tickerd/internal/runtime/supervisor"
	logx "tickerd/pkg/logx"
)

// HistorySink receives terminal task snapshots for durable retention.
// Delivery is best-effort; a sink failure never affects the task outcome.
type HistorySink interface {
	RecordTerminal(ctx context.Context, t Task) error
}

// Runner bridges admitted tasks to the analysis collaborator without
// blocking the admitting caller.
//
// The queue is logically unbounded: duplicate submissions are already
// rejected at admission, so admission control is the dedup invariant,
// not queue capacity. Workers drain the queue in FIFO order.
//
// Every dispatched task reaches exactly one terminal state: the
// collaborator invocation is wrapped so that a normal return, an error,
// a timeout, and a panic all funnel into the same single finish path.
type Runner struct {
	cfg     RunnerConfig
	log     logx.Logger
	reg     *Registry
	collab  analysis.Collaborator
	history HistorySink

	qmu   sync.Mutex
	queue []dispatch
	wake  chan struct{}

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopping bool

	limiter *rate.Limiter

	inFlight atomic.Int64
	executed atomic.Uint64
	failed   atomic.Uint64
}

type dispatch struct {
	taskID string
	req    Request
}

func NewRunner(cfg RunnerConfig, log logx.Logger, reg *Registry, collab analysis.Collaborator, history HistorySink) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		collab:  collab,
		history: history,
		wake:    make(chan struct{}, 1),
	}
	if cfg.DispatchInterval > 0 {
		r.limiter = rate.NewLimiter(rate.Every(cfg.DispatchInterval), 1)
	}
	return r
}

func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return
	}
	r.stopping = false
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "runner"))),
		// Runner failures should not hard-kill the app; workers self-heal.
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			r.workerLoop(c)
			return c.Err()
		},
			rtsup.WithPublishFirstError(true),
		)
	}
	r.log.Info("runner started", logx.Int("workers", r.cfg.Workers), logx.Duration("timeout", r.cfg.Timeout), logx.Duration("dispatch_interval", r.cfg.DispatchInterval))
}

func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.stopping = true
	r.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		r.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
		return
	}
	r.log.Info("runner stopped")
}

// Enqueue schedules an admitted task for execution and returns immediately.
func (r *Runner) Enqueue(taskID string, req Request) error {
	r.mu.Lock()
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		return ErrStopped
	}

	r.qmu.Lock()
	r.queue = append(r.queue, dispatch{taskID: taskID, req: req})
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context) {
	for {
		d, ok := r.next(ctx)
		if !ok {
			return
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				// Shutting down with a task still pending; the process is
				// exiting, so leave it to the registry's in-memory lifetime.
				return
			}
		}
		r.inFlight.Add(1)
		r.execute(ctx, d)
		r.inFlight.Add(-1)
	}
}

// next pops the oldest queued dispatch, blocking until work arrives or ctx
// is done. Multiple workers share the wake channel; whoever pops last
// re-signals when work remains.
func (r *Runner) next(ctx context.Context) (dispatch, bool) {
	for {
		r.qmu.Lock()
		if len(r.queue) > 0 {
			d := r.queue[0]
			r.queue = r.queue[1:]
			more := len(r.queue) > 0
			r.qmu.Unlock()
			if more {
				select {
				case r.wake <- struct{}{}:
				default:
				}
			}
			return d, true
		}
		r.qmu.Unlock()

		select {
		case <-ctx.Done():
			return dispatch{}, false
		case <-r.wake:
		}
	}
}

func (r *Runner) execute(ctx context.Context, d dispatch) {
	if err := r.reg.MarkStarted(d.taskID); err != nil {
		// Task gone or no longer pending (e.g. swept before dispatch).
		r.log.Warn("dispatch skipped", logx.String("task", d.taskID), logx.Err(err))
		return
	}

	start := time.Now()
	report, err := r.invoke(ctx, d)
	if err != nil {
		r.failed.Add(1)
		r.finishFailed(d, err.Error())
		return
	}

	final, terr := r.reg.MarkCompleted(d.taskID, report)
	if terr != nil {
		r.log.Error("terminal transition rejected", logx.String("task", d.taskID), logx.Err(terr))
		return
	}
	r.executed.Add(1)
	r.log.Debug("execution finished", logx.String("task", d.taskID), logx.Duration("took", time.Since(start)))
	r.record(final)
}

// invoke runs the collaborator with timeout and panic containment. It
// returns exactly once on every path, which is what makes the terminal
// transition exactly-once.
func (r *Runner) invoke(ctx context.Context, d dispatch) (report *analysis.Report, err error) {
	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			report = nil
			err = fmt.Errorf("analysis panicked: %v", p)
			r.log.Error("collaborator panic", logx.String("task", d.taskID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()

	req := analysis.Request{
		Symbol:       d.req.Symbol,
		ReportType:   d.req.ReportType,
		ForceRefresh: d.req.ForceRefresh,
		Progress: func(percent int, message string) {
			_ = r.reg.UpdateProgress(d.taskID, percent, message)
		},
	}

	report, err = r.collab.Analyze(runCtx, req)
	if err == nil && report == nil {
		err = fmt.Errorf("analysis returned empty result")
	}
	return report, err
}

func (r *Runner) finishFailed(d dispatch, reason string) {
	final, err := r.reg.MarkFailed(d.taskID, reason)
	if err != nil {
		r.log.Error("terminal transition rejected", logx.String("task", d.taskID), logx.Err(err))
		return
	}
	r.record(final)
}

// record hands the terminal snapshot to the history sink. Failures are
// logged and swallowed; history is not on the task's critical path.
func (r *Runner) record(t Task) {
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.history.RecordTerminal(ctx, t); err != nil {
		r.log.Warn("history record failed", logx.String("task", t.ID), logx.Err(err))
	}
}

func (r *Runner) Snapshot() RunnerSnapshot {
	r.qmu.Lock()
	ql := len(r.queue)
	r.qmu.Unlock()
	return RunnerSnapshot{
		Workers:  r.cfg.Workers,
		QueueLen: ql,
		InFlight: int(r.inFlight.Load()),
		Executed: r.executed.Load(),
		Failed:   r.failed.Load(),
	}
}
