// Copyright 2025 James Ross
// Package scheduler runs the cooperative claim->dispatch->settle loop that
// drives entries from queued to a terminal state, grounded on the teacher's
// per-worker run loop and its reaper's scan-and-requeue watchdog.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outboxlabs/outbox/internal/config"
	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/obs"
	"github.com/outboxlabs/outbox/internal/retry"
	"github.com/outboxlabs/outbox/internal/store"
	"github.com/outboxlabs/outbox/internal/transport"
	"go.uber.org/zap"
)

// Scheduler owns one store and one transport and ticks on a heartbeat,
// claiming ready entries up to a concurrency bound and settling each one
// independently once its transport attempt resolves.
type Scheduler struct {
	ctx       context.Context
	store     store.Store
	transport transport.Transport
	policy    retry.Policy
	cfg       config.Scheduler
	log       *zap.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	inFlight map[string]struct{}
	stopCh   chan struct{}
	kickCh   chan struct{}

	tickMu sync.Mutex
	loopWG sync.WaitGroup
}

// New builds a Scheduler. ctx bounds every store/transport call the
// scheduler makes for its lifetime; Start/Stop separately control the
// heartbeat, matching the spec's "cancel the heartbeat" semantics for stop
// rather than tearing down in-flight work.
func New(ctx context.Context, s store.Store, tr transport.Transport, policy retry.Policy, cfg config.Scheduler, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ctx:       ctx,
		store:     s,
		transport: tr,
		policy:    policy,
		cfg:       cfg,
		log:       log,
		inFlight:  make(map[string]struct{}),
	}
}

// Start is idempotent: it sets running=true, paused=false, schedules
// periodic ticks on the configured heartbeat, and performs one immediate
// tick.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.kickCh = make(chan struct{}, 1)
	stopCh, kickCh := s.stopCh, s.kickCh
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.loop(stopCh, kickCh)
	s.tick()
}

// Stop cancels the heartbeat; in-flight entries are allowed to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.loopWG.Wait()
}

// Pause flips the paused flag; a paused scheduler still ticks but a paused
// tick is a no-op.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume flips the paused flag off and, if running, triggers an immediate
// tick.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	running := s.running
	s.mu.Unlock()
	if running {
		s.Kick()
	}
}

// Kick requests an out-of-band tick, used by the facade's enqueue path to
// avoid waiting a full heartbeat for a freshly inserted entry. It never
// blocks: a pending kick already queued is enough.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	ch := s.kickCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the heartbeat is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsPaused reports whether the scheduler is currently paused.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// InFlightCount reports the number of entries currently dispatched.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) loop(stopCh, kickCh chan struct{}) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick()
		case <-kickCh:
			s.tick()
		}
	}
}

// Drain repeatedly ticks until a subsequent pick_for_processing returns
// empty and no entries remain in flight. It works even when the scheduler
// is stopped or paused, by temporarily impersonating a running scheduler
// and restoring the prior running/paused state on return.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	wasRunning, wasPaused := s.running, s.paused
	s.running, s.paused = true, false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running, s.paused = wasRunning, wasPaused
		s.mu.Unlock()
	}()

	const pollInterval = 10 * time.Millisecond
	for {
		s.tick()

		candidates, err := s.store.PickForProcessing(ctx, s.cfg.Concurrency, time.Now())
		if err != nil {
			return err
		}
		if len(candidates) == 0 && s.InFlightCount() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tick implements the spec's claim loop: reclaim anything stuck past
// lock_timeout, compute free slots, claim up to that many ready entries,
// and spawn a settle goroutine per entry. Overlapping ticks (heartbeat vs.
// a concurrent Kick or Drain) are serialized by tickMu; a tick that would
// overlap an in-progress one is simply skipped rather than queued, since
// the next heartbeat or kick will pick up any remaining work.
func (s *Scheduler) tick() {
	if !s.tickMu.TryLock() {
		return
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	running, paused := s.running, s.paused
	s.mu.Unlock()
	if !running || paused {
		return
	}

	now := time.Now()
	if reclaimed, err := s.store.ReclaimStuck(s.ctx, s.cfg.LockTimeout, now); err != nil {
		s.log.Warn("reclaim stuck entries failed", obs.Err(err))
	} else if reclaimed > 0 {
		obs.StuckEntriesReclaimed.Add(float64(reclaimed))
		s.log.Info("reclaimed stuck entries", obs.Int("count", reclaimed))
	}

	slots := s.cfg.Concurrency - s.InFlightCount()
	if slots <= 0 {
		return
	}

	candidates, err := s.store.PickForProcessing(s.ctx, slots, now)
	if err != nil {
		s.log.Warn("pick for processing failed", obs.Err(err))
		return
	}

	for _, e := range candidates {
		s.mu.Lock()
		if len(s.inFlight) >= s.cfg.Concurrency {
			s.mu.Unlock()
			break
		}
		if _, exists := s.inFlight[e.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.inFlight[e.ID] = struct{}{}
		s.mu.Unlock()

		obs.SchedulerActiveWorkers.Set(float64(s.InFlightCount()))
		go s.processEntry(e)
	}
}

// processEntry claims one entry, sends it, and settles it into done,
// failed, or a rescheduled queued state depending on the transport's
// verdict.
func (s *Scheduler) processEntry(e entry.Entry) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, e.ID)
		s.mu.Unlock()
		obs.SchedulerActiveWorkers.Set(float64(s.InFlightCount()))
	}()

	processing := e.WithStatus(entry.StatusProcessing)
	if err := s.store.Update(s.ctx, processing); err != nil {
		s.log.Warn("mark processing failed", obs.String("id", e.ID), obs.Err(err))
		return
	}

	start := time.Now()
	result := s.safeSend(s.ctx, processing)
	obs.EntryDispatchDuration.Observe(time.Since(start).Seconds())
	obs.EntriesDispatched.Inc()

	switch {
	case result.Success:
		s.settleDone(processing)
	case result.PermanentlyFailed:
		s.settlePermanentFailure(processing, result)
	default:
		s.settleTransientFailure(processing, result)
	}
}

func (s *Scheduler) settleDone(e entry.Entry) {
	if err := s.store.MarkDone(s.ctx, e.ID); err != nil {
		s.log.Warn("mark done failed", obs.String("id", e.ID), obs.Err(err))
		return
	}
	obs.EntriesDone.Inc()
}

func (s *Scheduler) settlePermanentFailure(e entry.Entry, result transport.SendResult) {
	cause := "permanent"
	if result.Err != nil {
		cause = result.Err.Error()
	}
	if err := s.store.MarkFailed(s.ctx, e.ID, cause, nil); err != nil {
		s.log.Warn("mark failed failed", obs.String("id", e.ID), obs.Err(err))
		return
	}
	obs.EntriesFailed.Inc()
}

func (s *Scheduler) settleTransientFailure(e entry.Entry, result transport.SendResult) {
	attempt := e.Attempt + 1
	prevDelay, ok := e.PreviousDelay()
	if !ok {
		prevDelay = s.policy.BaseDelay
	}
	next := s.policy.Next(attempt, time.Now(), prevDelay)

	// Rate-limited result: clamp next_attempt_at to at least retry_after.
	if result.RetryAfter != nil {
		if via := time.Now().Add(*result.RetryAfter); via.After(next) {
			next = via
		}
	}

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	if err := s.store.Update(s.ctx, e.WithSchedule(attempt, next, errMsg)); err != nil {
		s.log.Warn("reschedule failed", obs.String("id", e.ID), obs.Err(err))
		return
	}
	obs.EntriesRetried.Inc()
}

// safeSend recovers a panicking Transport.Send, converting it into the same
// transient-retry path an ordinary transport error takes.
func (s *Scheduler) safeSend(ctx context.Context, e entry.Entry) (result transport.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			result = transport.SendResult{Err: fmt.Errorf("transport panic: %v", r)}
		}
	}()
	return s.transport.Send(ctx, e)
}
