// Package asynchook moves hook delivery off the engine's call path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	eng, _ := triecache.New[User](triecache.Options[User]{
//	    Namespace: "app:prod:user",
//	    Levels:    levels,
//	    Store:     st,
//	    Provider:  provider,
//	    Hooks:     hooks, // or raw to deliver synchronously
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/triecache"
	"github.com/unkn0wn-root/triecache/trie"
)

type Hooks struct {
	inner   triecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards sends against close(q)
	closed  bool
	dropped atomic.Uint64
}

var _ triecache.Hooks = (*Hooks)(nil)

func New(inner triecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events sent after Close
// are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) PageSelfHeal(p trie.Key, r string) { h.try(func() { h.inner.PageSelfHeal(p, r) }) }
func (h *Hooks) PersistSkipped(p trie.Key, r string) {
	h.try(func() { h.inner.PersistSkipped(p, r) })
}
func (h *Hooks) PersistFailed(p trie.Key, err error) { h.try(func() { h.inner.PersistFailed(p, err) }) }
func (h *Hooks) UnlockFailure(op string, n int, err error) {
	h.try(func() { h.inner.UnlockFailure(op, n, err) })
}
func (h *Hooks) UnboundedRejected(op string)    { h.try(func() { h.inner.UnboundedRejected(op) }) }
func (h *Hooks) NamespaceFlushed(op string)     { h.try(func() { h.inner.NamespaceFlushed(op) }) }
func (h *Hooks) StoreFetch(pages, rows int)     { h.try(func() { h.inner.StoreFetch(pages, rows) }) }
func (h *Hooks) TierUnavailable(op string, err error) {
	h.try(func() { h.inner.TierUnavailable(op, err) })
}
