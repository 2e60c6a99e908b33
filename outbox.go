// Copyright 2025 James Ross
// Package outbox is the thin facade coordinating the entry store, the
// delivery transport, and the scheduler runtime behind a small public
// surface: init, enqueue, pause/resume/drain, clear, watch, close.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outboxlabs/outbox/internal/breaker"
	"github.com/outboxlabs/outbox/internal/config"
	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/obs"
	"github.com/outboxlabs/outbox/internal/retry"
	"github.com/outboxlabs/outbox/internal/scheduler"
	"github.com/outboxlabs/outbox/internal/sqlstore"
	"github.com/outboxlabs/outbox/internal/store"
	"github.com/outboxlabs/outbox/internal/transport"
	"go.uber.org/zap"
)

// Outbox is the coordinator a process embeds: one store, one transport
// (wrapped by a circuit breaker), and a lazily-started scheduler.
type Outbox struct {
	cfg       *config.Config
	store     store.Store
	transport *transport.BreakerTransport
	policy    retry.Policy
	log       *zap.Logger

	mu     sync.Mutex
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	closed bool
}

// New builds an Outbox from cfg without touching the store or starting the
// scheduler; call Init to bring it up.
func New(cfg *config.Config, log *zap.Logger) (*Outbox, error) {
	var s store.Store
	switch cfg.Store.Driver {
	case "memory":
		s = store.NewMemoryStore()
	case "sqlite":
		sqliteStore, err := sqlstore.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("outbox: open store: %w", err)
		}
		s = sqliteStore
	default:
		return nil, fmt.Errorf("outbox: unsupported store driver %q", cfg.Store.Driver)
	}

	httpTransport := transport.NewHTTPTransport(cfg.Transport.URL, cfg.Transport.Timeout)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	return &Outbox{
		cfg:       cfg,
		store:     s,
		transport: transport.WrapWithBreaker(httpTransport, cb),
		policy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		log: log,
	}, nil
}

// Init initializes the store then constructs and, if auto_start is set,
// starts the scheduler.
func (o *Outbox) Init(ctx context.Context) error {
	if err := o.store.Init(ctx); err != nil {
		return fmt.Errorf("outbox: init store: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.cancel = cancel
	o.sched = scheduler.New(runCtx, o.store, o.transport, o.policy, o.cfg.Scheduler, o.log)
	sched := o.sched
	autoStart := o.cfg.Scheduler.AutoStart
	o.mu.Unlock()

	go o.sampleBreakerState(runCtx)

	if autoStart {
		sched.Start()
	}
	return nil
}

// sampleBreakerState periodically publishes the transport's circuit breaker
// state to the CircuitBreakerState gauge until ctx is canceled, mirroring
// the teacher's worker.Run breaker-state-sampling goroutine.
func (o *Outbox) sampleBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch o.transport.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

// EnqueueOption customizes a single entry's optional fields at enqueue time.
type EnqueueOption func(*entry.Entry)

// WithPriority sets the entry's dispatch priority; higher values are
// claimed first.
func WithPriority(p int) EnqueueOption { return func(e *entry.Entry) { e.Priority = p } }

// WithHeaders attaches extra headers the transport merges onto the outbound
// request.
func WithHeaders(h map[string]string) EnqueueOption { return func(e *entry.Entry) { e.Headers = h } }

// WithIdempotencyKey overrides the default (the entry's own ID) used for
// the transport's Idempotency-Key header.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(e *entry.Entry) { e.IdempotencyKey = key }
}

// WithNotBefore delays the entry's first eligible attempt until t.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(e *entry.Entry) { e.NextAttemptAt = &t }
}

// Enqueue generates an id, stamps created_at=now, sets
// next_attempt_at=not_before (default now), inserts the entry, increments
// the enqueued counter, and kicks the scheduler when auto_start is set.
func (o *Outbox) Enqueue(ctx context.Context, channel string, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	now := time.Now().UTC()
	e := entry.New(uuid.NewString(), channel, payload)
	e.CreatedAt = now
	e.NextAttemptAt = &now
	for _, opt := range opts {
		opt(&e)
	}

	if err := o.store.Insert(ctx, e); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	obs.EntriesEnqueued.Inc()

	o.mu.Lock()
	sched := o.sched
	autoStart := o.cfg.Scheduler.AutoStart
	o.mu.Unlock()
	if sched != nil && autoStart {
		sched.Kick()
	}
	return e.ID, nil
}

// Pause flips the scheduler's paused flag. A no-op before Init.
func (o *Outbox) Pause() {
	if s := o.scheduler(); s != nil {
		s.Pause()
	}
}

// Resume flips the scheduler's paused flag off and, if the scheduler is
// running, kicks an immediate tick.
func (o *Outbox) Resume() {
	if s := o.scheduler(); s != nil {
		s.Resume()
	}
}

// Drain blocks until the store has no ready work and nothing is in flight.
func (o *Outbox) Drain(ctx context.Context) error {
	s := o.scheduler()
	if s == nil {
		return fmt.Errorf("outbox: not initialized")
	}
	return s.Drain(ctx)
}

// Clear deletes all entries, or only those in channel when non-empty.
func (o *Outbox) Clear(ctx context.Context, channel string) error {
	return o.store.Clear(ctx, channel)
}

// Close stops the scheduler and closes the store. Safe to call more than
// once.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sched, cancel := o.sched, o.cancel
	o.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if cancel != nil {
		cancel()
	}
	return o.store.Close()
}

// Store exposes the underlying store, used for introspection by the admin
// HTTP surface and for retention cleanup by the maintenance job.
func (o *Outbox) Store() store.Store { return o.store }

// BreakerState exposes the transport's circuit breaker state for metrics
// and admin reporting.
func (o *Outbox) BreakerState() breaker.State { return o.transport.State() }

// BreakerStateLabel is BreakerState rendered as a string, for the admin
// HTTP surface's JSON responses.
func (o *Outbox) BreakerStateLabel() string { return o.transport.State().String() }

func (o *Outbox) scheduler() *scheduler.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sched
}

// OutboxState is the snapshot watch() emits: scheduler flags plus per-status
// entry counts for the watched channel (empty channel means all channels).
type OutboxState struct {
	IsPaused        bool `json:"is_paused"`
	IsRunning       bool `json:"is_running"`
	QueuedCount     int  `json:"queued_count"`
	ProcessingCount int  `json:"processing_count"`
	FailedCount     int  `json:"failed_count"`
}

// Watch composes the store's watch_count streams for queued/processing/
// failed with the scheduler's live running/paused flags into a single lazy
// sequence: the first emission reflects current state, and every
// subsequent one reflects a change to any of the underlying counts. The
// returned stop function releases every underlying subscription.
func (o *Outbox) Watch(ctx context.Context, channel string) (<-chan OutboxState, func()) {
	queuedCh, stopQueued := o.store.WatchCount(ctx, channel, entry.StatusQueued)
	procCh, stopProc := o.store.WatchCount(ctx, channel, entry.StatusProcessing)
	failCh, stopFail := o.store.WatchCount(ctx, channel, entry.StatusFailed)

	out := make(chan OutboxState, 1)
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() {
		stopOnce.Do(func() {
			close(stop)
			stopQueued()
			stopProc()
			stopFail()
		})
	}

	go func() {
		defer close(out)
		var state OutboxState
		var last OutboxState
		haveLast := false

		emit := func() {
			if s := o.scheduler(); s != nil {
				state.IsRunning = s.IsRunning()
				state.IsPaused = s.IsPaused()
			}
			if haveLast && state == last {
				return
			}
			select {
			case out <- state:
				last, haveLast = state, true
			case <-stop:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case n, ok := <-queuedCh:
				if !ok {
					return
				}
				state.QueuedCount = n
				emit()
			case n, ok := <-procCh:
				if !ok {
					return
				}
				state.ProcessingCount = n
				emit()
			case n, ok := <-failCh:
				if !ok {
					return
				}
				state.FailedCount = n
				emit()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stopAll
}
