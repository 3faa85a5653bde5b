package lockstore

import (
	"context"
	"sync"
	"time"
)

type hold struct {
	owner   string
	expires time.Time
}

// Local locks within one process.
type Local struct {
	mu    sync.Mutex
	locks map[string]hold
	now   func() time.Time
}

var _ LockStore = (*Local)(nil)

func NewLocal() *Local {
	return &Local{locks: make(map[string]hold), now: time.Now}
}

func (s *Local) live(k string, now time.Time) (hold, bool) {
	h, ok := s.locks[k]
	if !ok {
		return hold{}, false
	}
	if !h.expires.IsZero() && !now.Before(h.expires) {
		delete(s.locks, k)
		return hold{}, false
	}
	return h, true
}

func (s *Local) Acquire(_ context.Context, keys []string, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range keys {
		if _, ok := s.live(k, now); ok {
			return &LockedError{Key: k}
		}
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	for _, k := range keys {
		s.locks[k] = hold{owner: owner, expires: exp}
	}
	return nil
}

func (s *Local) Release(_ context.Context, keys []string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range keys {
		if h, ok := s.live(k, now); ok && h.owner == owner {
			delete(s.locks, k)
		}
	}
	return nil
}

func (s *Local) Held(_ context.Context, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, out[k] = s.live(k, now)
	}
	return out, nil
}

func (s *Local) Close(context.Context) error { return nil }
