package trie

import "slices"

// Node is either a leaf carrying a value or a branch of children keyed by Key.
// The zero-children branch is the empty trie. A nil *Node is treated as empty
// by all read methods.
type Node[V any] struct {
	leaf     bool
	value    V
	children map[Key]*Node[V]
}

// Selector is a request trie: a leaf mark selects the whole subtree under its
// prefix, a branch restricts to its children.
type Selector = Node[struct{}]

func Leaf[V any](v V) *Node[V] { return &Node[V]{leaf: true, value: v} }

func NewBranch[V any]() *Node[V] { return &Node[V]{children: make(map[Key]*Node[V])} }

// Mark returns a selector leaf ("everything under here").
func Mark() *Selector { return Leaf(struct{}{}) }

// Universal reports whether a selector addresses the whole keyspace.
func Universal(s *Selector) bool { return s == nil || s.leaf || len(s.children) == 0 }

func (n *Node[V]) IsLeaf() bool   { return n != nil && n.leaf }
func (n *Node[V]) IsBranch() bool { return n != nil && !n.leaf }

func (n *Node[V]) Value() (V, bool) {
	if n == nil || !n.leaf {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Len is the number of direct children.
func (n *Node[V]) Len() int {
	if n == nil {
		return 0
	}
	return len(n.children)
}

// Empty reports a nil node or a branch without children.
func (n *Node[V]) Empty() bool { return n == nil || (!n.leaf && len(n.children) == 0) }

func (n *Node[V]) Child(k Key) *Node[V] {
	if n == nil || n.leaf {
		return nil
	}
	return n.children[k]
}

// Put sets child k and returns n.
func (n *Node[V]) Put(k Key, c *Node[V]) *Node[V] {
	if n.leaf {
		panic("trie: Put on leaf node")
	}
	if n.children == nil {
		n.children = make(map[Key]*Node[V])
	}
	n.children[k] = c
	return n
}

func (n *Node[V]) Remove(k Key) {
	if n != nil && !n.leaf {
		delete(n.children, k)
	}
}

// Keys returns child keys in ascending order.
func (n *Node[V]) Keys() []Key {
	if n == nil || n.leaf {
		return nil
	}
	out := make([]Key, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	slices.SortFunc(out, Key.Compare)
	return out
}

// Get descends along p and returns the node there, or nil.
func (n *Node[V]) Get(p Path) *Node[V] {
	cur := n
	for i := 0; i < p.Len() && cur != nil; i++ {
		cur = cur.Child(p.At(i))
	}
	return cur
}

// Graft places sub at p, creating branches along the way. Leaves found on the
// way are replaced by branches. An empty p replaces the contents of n.
func (n *Node[V]) Graft(p Path, sub *Node[V]) {
	if sub == nil {
		n.Delete(p)
		return
	}
	if p.Len() == 0 {
		*n = *sub
		return
	}
	cur := n
	for i := 0; i < p.Len()-1; i++ {
		k := p.At(i)
		next := cur.Child(k)
		if next == nil || next.leaf {
			next = NewBranch[V]()
			cur.Put(k, next)
		}
		cur = next
	}
	cur.Put(p.Last(), sub)
}

func (n *Node[V]) SetLeaf(p Path, v V) { n.Graft(p, Leaf(v)) }

// Delete removes the node at p. An empty p clears n. It reports whether
// anything was removed. Empty ancestors are left for Prune.
func (n *Node[V]) Delete(p Path) bool {
	if n == nil {
		return false
	}
	if p.Len() == 0 {
		had := !n.Empty()
		var zero V
		n.leaf, n.value, n.children = false, zero, make(map[Key]*Node[V])
		return had
	}
	parent := n.Get(p.Parent())
	if parent == nil || parent.leaf {
		return false
	}
	if _, ok := parent.children[p.Last()]; !ok {
		return false
	}
	delete(parent.children, p.Last())
	return true
}

// Clone deep-copies the structure. Values are copied by assignment.
func (n *Node[V]) Clone() *Node[V] {
	if n == nil {
		return nil
	}
	if n.leaf {
		return Leaf(n.value)
	}
	out := &Node[V]{children: make(map[Key]*Node[V], len(n.children))}
	for k, c := range n.children {
		out.children[k] = c.Clone()
	}
	return out
}

// Prune removes empty branches bottom-up and reports whether n itself is empty.
func (n *Node[V]) Prune() bool {
	if n == nil {
		return true
	}
	if n.leaf {
		return false
	}
	for k, c := range n.children {
		if c == nil || c.Prune() {
			delete(n.children, k)
		}
	}
	return len(n.children) == 0
}

// Walk visits leaves in key order with their path relative to n.
// Returning false from fn stops the walk.
func (n *Node[V]) Walk(fn func(p Path, v V) bool) {
	n.walk(Path{}, fn)
}

func (n *Node[V]) walk(prefix Path, fn func(Path, V) bool) bool {
	if n == nil {
		return true
	}
	if n.leaf {
		return fn(prefix, n.value)
	}
	for _, k := range n.Keys() {
		if !n.children[k].walk(prefix.Append(k), fn) {
			return false
		}
	}
	return true
}

// Count returns the number of leaves.
func (n *Node[V]) Count() int {
	c := 0
	n.Walk(func(Path, V) bool { c++; return true })
	return c
}
