package triecache

import (
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/triecache/internal/util"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/trie"
)

// localCache is the process tier. Pages handed to put are never modified
// afterwards; callers clone before staging changes.
type localCache[V any] interface {
	get(id trie.Key) (*page.Page[V], bool)
	put(p *page.Page[V])
	del(id trie.Key)
	clear()
	close()
}

func newLocalCache[V any](maxPages int64) (localCache[V], error) {
	if maxPages <= 0 {
		return &mapLocal[V]{m: make(map[trie.Key]*page.Page[V])}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxPages * 10,
		MaxCost:            maxPages,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoLocal[V]{c: c}, nil
}

type mapLocal[V any] struct {
	mu sync.RWMutex
	m  map[trie.Key]*page.Page[V]
}

func (l *mapLocal[V]) get(id trie.Key) (*page.Page[V], bool) {
	l.mu.RLock()
	p, ok := l.m[id]
	l.mu.RUnlock()
	return p, ok
}

func (l *mapLocal[V]) put(p *page.Page[V]) {
	l.mu.Lock()
	l.m[p.ID] = p
	l.mu.Unlock()
}

func (l *mapLocal[V]) del(id trie.Key) {
	l.mu.Lock()
	delete(l.m, id)
	l.mu.Unlock()
}

func (l *mapLocal[V]) clear() {
	l.mu.Lock()
	clear(l.m)
	l.mu.Unlock()
}

func (l *mapLocal[V]) close() { l.clear() }

// ristrettoLocal bounds the process tier by page count (cost 1 per page).
type ristrettoLocal[V any] struct {
	c *ristretto.Cache
}

func (l *ristrettoLocal[V]) get(id trie.Key) (*page.Page[V], bool) {
	v, ok := l.c.Get(util.PageID(id))
	if !ok {
		return nil, false
	}
	p, ok := v.(*page.Page[V])
	return p, ok
}

func (l *ristrettoLocal[V]) put(p *page.Page[V]) {
	l.c.Set(util.PageID(p.ID), p, 1)
	l.c.Wait()
}

func (l *ristrettoLocal[V]) del(id trie.Key) { l.c.Del(util.PageID(id)) }

func (l *ristrettoLocal[V]) clear() { l.c.Clear() }

func (l *ristrettoLocal[V]) close() { l.c.Close() }
