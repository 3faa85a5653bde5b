// Package page holds the unit of caching: everything known about one level-N
// key, plus which of its subtrees are known to be complete.
package page

import (
	"slices"

	"github.com/unkn0wn-root/triecache/trie"
)

// Page is the cached state of one level-N key.
//
// Keys holds the cached leaves relative to the page key. A prefix in the
// authority set means every leaf under it is present in Keys; AllCached is
// the same statement for the whole page. Leaves are authoritative by
// presence, so authority is only recorded for branch prefixes.
//
// A Page is not safe for concurrent mutation; the engine clones before
// changing a page another goroutine may be reading.
type Page[V any] struct {
	ID        trie.Key
	Gen       uint64
	Epoch     uint64
	AllCached bool
	Keys      *trie.Node[V]

	auth  map[trie.Path]struct{}
	depth int
}

// New returns an empty page for id whose leaves sit depth levels below it.
func New[V any](id trie.Key, depth int) *Page[V] {
	return &Page[V]{
		ID:    id,
		Keys:  trie.NewBranch[V](),
		auth:  make(map[trie.Path]struct{}),
		depth: depth,
	}
}

func (p *Page[V]) Depth() int { return p.depth }

// Empty reports a page without leaves. Empty pages are never cached.
func (p *Page[V]) Empty() bool { return p == nil || p.Keys.Empty() }

func (p *Page[V]) Clone() *Page[V] {
	out := &Page[V]{
		ID:        p.ID,
		Gen:       p.Gen,
		Epoch:     p.Epoch,
		AllCached: p.AllCached,
		Keys:      p.Keys.Clone(),
		auth:      make(map[trie.Path]struct{}, len(p.auth)),
		depth:     p.depth,
	}
	if out.Keys == nil {
		out.Keys = trie.NewBranch[V]()
	}
	for k := range p.auth {
		out.auth[k] = struct{}{}
	}
	return out
}

// HasAuthority reports an authority entry recorded exactly at rel.
func (p *Page[V]) HasAuthority(rel trie.Path) bool {
	if rel.Len() == 0 {
		return p.AllCached
	}
	_, ok := p.auth[rel]
	return ok
}

// Covered reports whether the subtree at rel is complete in Keys, either
// through authority on rel or an ancestor, or because rel is a present leaf.
func (p *Page[V]) Covered(rel trie.Path) bool {
	if p.AllCached {
		return true
	}
	for i := 1; i <= rel.Len(); i++ {
		if _, ok := p.auth[rel.Prefix(i)]; ok {
			return true
		}
	}
	return rel.Len() == p.depth && p.Keys.Get(rel).IsLeaf()
}

// Authority lists recorded authority prefixes in key order.
func (p *Page[V]) Authority() []trie.Path {
	out := make([]trie.Path, 0, len(p.auth))
	for k := range p.auth {
		out = append(out, k)
	}
	slices.SortFunc(out, trie.Path.Compare)
	return out
}

// AuthorityAt lists authority prefixes of nodes at the given level, where the
// page key is level depth+1 and leaves are level 1.
func (p *Page[V]) AuthorityAt(level int) []trie.Path {
	var out []trie.Path
	for _, a := range p.Authority() {
		if p.depth+1-a.Len() == level {
			out = append(out, a)
		}
	}
	return out
}

func (p *Page[V]) grant(rel trie.Path) {
	if rel.Len() == 0 {
		p.AllCached = true
		clear(p.auth)
		return
	}
	if rel.Len() >= p.depth || p.AllCached {
		return
	}
	for i := 1; i < rel.Len(); i++ {
		if _, ok := p.auth[rel.Prefix(i)]; ok {
			return
		}
	}
	p.revoke(rel)
	p.auth[rel] = struct{}{}
}

// revoke removes authority at rel and below.
func (p *Page[V]) revoke(rel trie.Path) {
	for k := range p.auth {
		if k.HasPrefix(rel) {
			delete(p.auth, k)
		}
	}
}

// Prune removes empty branches from Keys and drops authority entries that no
// longer describe a present branch or sit under an authoritative ancestor.
func (p *Page[V]) Prune() {
	p.Keys.Prune()
	if p.AllCached {
		clear(p.auth)
		return
	}
	for k := range p.auth {
		n := p.Keys.Get(k)
		if !n.IsBranch() || n.Empty() {
			delete(p.auth, k)
			continue
		}
		for i := 1; i < k.Len(); i++ {
			if _, ok := p.auth[k.Prefix(i)]; ok {
				delete(p.auth, k)
				break
			}
		}
	}
}
