package workers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Slots bounds how many conversions run at once. Holders are tracked by
// id with the time they acquired their slot.
type Slots struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]time.Time
	mu        sync.RWMutex
	closed    bool
}

// SlotStats is a snapshot of slot usage.
type SlotStats struct {
	Capacity  int           `json:"capacity"`
	Active    int           `json:"active"`
	Available int           `json:"available"`
	Oldest    time.Duration `json:"oldest"`
	Closed    bool          `json:"closed"`
}

// NewSlots creates a limiter with the given capacity, at least one.
func NewSlots(capacity int) *Slots {
	if capacity <= 0 {
		capacity = 1
	}

	return &Slots{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]time.Time),
	}
}

// Acquire blocks until a slot is free or ctx is done. An id already
// holding a slot is rejected.
func (s *Slots) Acquire(ctx context.Context, id string) error {
	s.mu.RLock()
	closed := s.closed
	_, held := s.active[id]
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("slots are closed")
	}
	if held {
		return fmt.Errorf("slot already held by %s", id)
	}

	select {
	case s.semaphore <- struct{}{}:
		s.mu.Lock()
		s.active[id] = time.Now()
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot held by id. Unknown ids are ignored.
func (s *Slots) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	select {
	case <-s.semaphore:
	default:
	}
}

// Active returns the number of held slots.
func (s *Slots) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Available returns the number of free slots.
func (s *Slots) Available() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity - len(s.active)
}

// Close rejects further Acquire calls and forgets current holders.
func (s *Slots) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.active = make(map[string]time.Time)

	for {
		select {
		case <-s.semaphore:
		default:
			return nil
		}
	}
}

// Stats returns current usage, including how long the oldest holder has
// been running.
func (s *Slots) Stats() SlotStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Duration
	now := time.Now()
	for _, started := range s.active {
		if d := now.Sub(started); d > oldest {
			oldest = d
		}
	}

	return SlotStats{
		Capacity:  s.capacity,
		Active:    len(s.active),
		Available: s.capacity - len(s.active),
		Oldest:    oldest,
		Closed:    s.closed,
	}
}
