// Copyright 2025 James Ross
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
)

// MemoryStore is an in-memory Store, grounded on the mutex-guarded map plus
// background-goroutine shape of exactlyonce.MemoryIdempotencyStorage. It is
// the reference implementation used by the scheduler's unit tests and by
// any embedder that doesn't need durability across restarts.
type MemoryStore struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	data        map[string]entry.Entry
	lastUpdate  map[string]time.Time
	notifyCh    chan struct{}
}

// NewMemoryStore constructs an uninitialized MemoryStore; call Init before
// any other operation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]entry.Entry),
		lastUpdate: make(map[string]time.Time),
		notifyCh:   make(chan struct{}),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

func (s *MemoryStore) requireInit() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// notifyLocked wakes every WatchCount goroutine; must be called with mu held.
func (s *MemoryStore) notifyLocked() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

func (s *MemoryStore) Insert(ctx context.Context, e entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	s.data[e.ID] = e
	s.lastUpdate[e.ID] = time.Now()
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, e entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	if _, ok := s.data[e.ID]; !ok {
		return nil
	}
	s.data[e.ID] = e
	s.lastUpdate[e.ID] = time.Now()
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	e, ok := s.data[id]
	if !ok {
		return nil
	}
	e.Status = entry.StatusDone
	e.Error = ""
	s.data[id] = e
	s.lastUpdate[id] = time.Now()
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause string, nextAttempt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	e, ok := s.data[id]
	if !ok {
		return nil
	}
	if nextAttempt != nil {
		t := *nextAttempt
		e.Status = entry.StatusQueued
		e.NextAttemptAt = &t
		e.Error = cause
	} else {
		e.Status = entry.StatusFailed
		e.Error = cause
	}
	s.data[id] = e
	s.lastUpdate[id] = time.Now()
	s.notifyLocked()
	return nil
}

func (s *MemoryStore) PickForProcessing(ctx context.Context, limit int, now time.Time) ([]entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	candidates := make([]entry.Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.Ready(now) {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *MemoryStore) ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for id, e := range s.data {
		if e.Status != entry.StatusProcessing {
			continue
		}
		last := s.lastUpdate[id]
		if now.Sub(last) <= olderThan {
			continue
		}
		e.Status = entry.StatusQueued
		e.Attempt++
		e.Error = "lock timeout"
		e.NextAttemptAt = nil
		s.data[id] = e
		s.lastUpdate[id] = now
		reclaimed++
	}
	if reclaimed > 0 {
		s.notifyLocked()
	}
	return reclaimed, nil
}

func (s *MemoryStore) Clear(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	if channel == "" {
		s.data = make(map[string]entry.Entry)
		s.lastUpdate = make(map[string]time.Time)
	} else {
		for id, e := range s.data {
			if e.Channel == channel {
				delete(s.data, id)
				delete(s.lastUpdate, id)
			}
		}
	}
	s.notifyLocked()
	return nil
}

// PurgeTerminal deletes done/failed entries whose last mutation predates
// the retention cutoff, the same lastUpdate bookkeeping ReclaimStuck reads.
func (s *MemoryStore) PurgeTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return 0, err
	}

	cutoff := now.Add(-olderThan)
	purged := 0
	for id, e := range s.data {
		if e.Status != entry.StatusDone && e.Status != entry.StatusFailed {
			continue
		}
		if s.lastUpdate[id].After(cutoff) {
			continue
		}
		delete(s.data, id)
		delete(s.lastUpdate, id)
		purged++
	}
	if purged > 0 {
		s.notifyLocked()
	}
	return purged, nil
}

func (s *MemoryStore) Count(ctx context.Context, channel string, status entry.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	return s.countLocked(channel, status), nil
}

func (s *MemoryStore) countLocked(channel string, status entry.Status) int {
	n := 0
	for _, e := range s.data {
		if e.Status != status {
			continue
		}
		if channel != "" && e.Channel != channel {
			continue
		}
		n++
	}
	return n
}

// WatchCount emits the current count immediately, then again on every
// mutation that changes it, suppressing consecutive duplicates. The
// broadcast uses the close-and-replace channel idiom so each subscriber can
// select between a wakeup, ctx.Done(), and its own stop signal without
// busy-polling.
func (s *MemoryStore) WatchCount(ctx context.Context, channel string, status entry.Status) (<-chan int, func()) {
	out := make(chan int, 1)
	stop := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(out)
		last := -1
		for {
			s.mu.Lock()
			closed := s.closed
			count := s.countLocked(channel, status)
			wake := s.notifyCh
			s.mu.Unlock()

			if count != last {
				select {
				case out <- count:
					last = count
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}

			select {
			case <-wake:
				// a mutation happened; loop around to recompute
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { stopOnce.Do(func() { close(stop) }) }
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.notifyLocked()
	return nil
}
