package adapter

import (
	"context"
	"sync"
)

// sessionLocks hands out one portal session per operator login at a time.
type sessionLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{slots: make(map[string]chan struct{})}
}

func (s *sessionLocks) slot(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[key] = ch
	}
	return ch
}

// acquire blocks until the session for key is free or ctx is done.
func (s *sessionLocks) acquire(ctx context.Context, key string) (func(), error) {
	ch := s.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
