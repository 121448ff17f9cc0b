package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "tickerd/pkg/logx"
)

// Type is the lifecycle event taxonomy carried on the bus.
type Type string

const (
	TypeCreated   Type = "created"
	TypeStarted   Type = "started"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeHeartbeat Type = "heartbeat"
)

// Event is an immutable fact describing a single task transition.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Data should be a small snapshot, safe to serialize and share.
//   - Events are never mutated after publication.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Config struct {
	// SubscriberBuffer is the per-subscriber queue size. When a subscriber's
	// queue is full, the oldest queued event is dropped to make room; the
	// subscriber keeps receiving in publish order, with gaps.
	SubscriberBuffer int

	// HeartbeatInterval controls the periodic heartbeat emitted by Run,
	// independent of task activity. 0 uses the default.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Bus is an in-memory fan-out broadcaster of task lifecycle events.
//
// It is a change feed, not a replay log: subscribers only see events
// published after Subscribe, and late joiners reconcile current state
// through registry reads.
type Bus struct {
	cfg Config
	log logx.Logger

	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Bus {
	return &Bus{
		cfg:  cfg.withDefaults(),
		log:  log,
		subs: map[uint64]chan Event{},
	}
}

// Publish delivers e to every current subscriber without blocking.
//
// A slow subscriber loses its oldest queued event, never anyone else's.
// Callers that need inter-event ordering must serialize their own Publish
// calls; the registry publishes under its state lock for exactly that reason.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
				return
			default:
			}
			// Queue full: drop the oldest, then retry once with the newest.
			select {
			case <-ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe returns an ordered stream of events starting now, plus an
// unsubscribe func releasing the stream's resources. Unsubscribe is
// idempotent and safe to call concurrently with Publish.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.cfg.SubscriberBuffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Run emits heartbeat events on the configured interval until ctx is done.
// Heartbeats let subscribers tell a dead connection from an idle one.
func (b *Bus) Run(ctx context.Context) error {
	t := time.NewTicker(b.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			b.Publish(Event{Type: TypeHeartbeat, Time: now})
		}
	}
}

func (b *Bus) Snapshot() Snapshot {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Snapshot{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
