package page

import "github.com/unkn0wn-root/triecache/trie"

// Missing returns the part of sel (relative to the page key) that the page
// cannot answer, or nil when everything selected is covered.
func (p *Page[V]) Missing(sel *trie.Selector) *trie.Selector {
	if p.AllCached {
		return nil
	}
	return p.missing(sel, p.Keys, trie.Path{})
}

func (p *Page[V]) missing(sel *trie.Selector, node *trie.Node[V], rel trie.Path) *trie.Selector {
	if rel.Len() > 0 {
		if _, ok := p.auth[rel]; ok {
			return nil
		}
	}
	if node.IsLeaf() {
		return nil
	}
	if sel.IsLeaf() {
		return trie.Mark()
	}
	out := trie.NewBranch[struct{}]()
	for _, k := range sel.Keys() {
		if m := p.missing(sel.Child(k), node.Child(k), rel.Append(k)); m != nil {
			out.Put(k, m)
		}
	}
	if out.Len() == 0 {
		return nil
	}
	return out
}

// Extract copies the selected part of Keys. ok is false when any selected
// prefix has no data under it.
func (p *Page[V]) Extract(sel *trie.Selector) (*trie.Node[V], bool) {
	return Pick(sel, p.Keys)
}

// Pick copies the part of node addressed by sel. ok is false when any
// selected prefix has no data under it.
func Pick[V any](sel *trie.Selector, node *trie.Node[V]) (*trie.Node[V], bool) {
	if node.Empty() {
		return nil, false
	}
	if sel.IsLeaf() {
		return node.Clone(), true
	}
	if node.IsLeaf() {
		return nil, false
	}
	out := trie.NewBranch[V]()
	ok := true
	for _, k := range sel.Keys() {
		sub, valid := Pick(sel.Child(k), node.Child(k))
		ok = ok && valid
		if sub != nil {
			out.Put(k, sub)
		}
	}
	if out.Len() == 0 {
		return nil, false
	}
	return out, ok
}

// Absorb installs the authoritative answer for every mark of miss. fetched
// holds all backing-store rows under miss, relative to the page key. Whatever
// Keys held under a mark is replaced.
func (p *Page[V]) Absorb(miss *trie.Selector, fetched *trie.Node[V]) {
	for _, rel := range trie.Marks(miss) {
		p.Keys.Delete(rel)
		if sub := fetched.Get(rel); !sub.Empty() {
			p.Keys.Graft(rel, sub.Clone())
		}
		p.grant(rel)
	}
	p.Prune()
}

// Put stores one leaf. Authority above it stays valid: the store holds the
// same row.
func (p *Page[V]) Put(rel trie.Path, v V) {
	p.Keys.SetLeaf(rel, v)
}

// Remove deletes every selected subtree and prunes.
func (p *Page[V]) Remove(sel *trie.Selector) {
	for _, rel := range trie.Marks(sel) {
		if rel.Len() == 0 {
			p.Keys.Delete(rel)
			p.AllCached = false
			clear(p.auth)
			continue
		}
		p.Keys.Delete(rel)
	}
	p.Prune()
}

// Replace swaps the subtree at rel for sub and recomputes authority for rel:
// the new subtree is complete by construction.
func (p *Page[V]) Replace(rel trie.Path, sub *trie.Node[V]) {
	p.Keys.Delete(rel)
	p.revoke(rel)
	if !sub.Empty() {
		p.Keys.Graft(rel, sub.Clone())
		p.grant(rel)
	} else if rel.Len() == 0 {
		p.AllCached = false
	}
	p.Prune()
}
