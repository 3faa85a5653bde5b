package genstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	gen     uint64
	touched time.Time
}

// Local keeps generations in process memory.
//
// With retention > 0 idle entries are pruned and read back as 0 afterwards.
// Retention must exceed the page TTL, otherwise a pruned and re-bumped page
// could match a stale image carrying the same generation.
type Local struct {
	mu   sync.RWMutex
	gens map[string]entry

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ GenStore = (*Local)(nil)

// NewLocal starts a cleanup loop when both interval and retention are set.
func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{gens: make(map[string]entry)}
	if cleanupInterval <= 0 || retention <= 0 {
		return s
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Cleanup(retention)
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[k].gen, nil
}

func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(ctx context.Context, k string) (uint64, error) {
	m, err := s.BumpMany(ctx, []string{k})
	return m[k], err
}

func (s *Local) BumpMany(_ context.Context, ks []string) (map[string]uint64, error) {
	now := time.Now()
	out := make(map[string]uint64, len(ks))
	s.mu.Lock()
	for _, k := range ks {
		e := s.gens[k]
		e.gen++
		e.touched = now
		s.gens[k] = e
		out[k] = e.gen
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	for k, e := range s.gens {
		if e.touched.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

// Close stops the cleanup loop. It is safe to call more than once.
func (s *Local) Close(context.Context) error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
	return nil
}
