package trie

import (
	"fmt"
	"reflect"
)

// Row is the matrix form of one leaf: a full path and its value.
type Row[V any] struct {
	Path  Path
	Value V
}

// Loft builds the minimal selector covering the union of paths. Paths that
// fall under another (shorter) path are absorbed by it. An empty path selects
// everything.
func Loft(paths []Path) *Selector {
	root := NewBranch[struct{}]()
	for _, p := range paths {
		if p.Len() == 0 {
			return Mark()
		}
		cur := root
		for i := 0; i < p.Len(); i++ {
			k := p.At(i)
			if i == p.Len()-1 {
				cur.Put(k, Mark())
				break
			}
			next := cur.Child(k)
			if next.IsLeaf() {
				break // already covered
			}
			if next == nil {
				next = NewBranch[struct{}]()
				cur.Put(k, next)
			}
			cur = next
		}
	}
	return root
}

// Clip cuts a selector at depth: every node at that depth becomes a mark.
func Clip(s *Selector, depth int) *Selector {
	if s == nil {
		return nil
	}
	if s.leaf || depth <= 0 {
		return Mark()
	}
	out := NewBranch[struct{}]()
	for k, c := range s.children {
		out.Put(k, Clip(c, depth-1))
	}
	return out
}

// Marks lists the prefixes (relative to s) of every mark in s, in order.
func Marks(s *Selector) []Path {
	var out []Path
	s.Walk(func(p Path, _ struct{}) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Shape returns a selector marking every leaf of n.
func Shape[V any](n *Node[V]) *Selector {
	if n == nil {
		return nil
	}
	if n.leaf {
		return Mark()
	}
	out := NewBranch[struct{}]()
	for k, c := range n.children {
		out.Put(k, Shape(c))
	}
	return out
}

// Flatten converts a trie to rows, prefixing every path with prefix.
func Flatten[V any](n *Node[V], prefix Path) []Row[V] {
	var out []Row[V]
	n.Walk(func(p Path, v V) bool {
		out = append(out, Row[V]{Path: prefix.Concat(p), Value: v})
		return true
	})
	return out
}

// ConflictPolicy decides what happens when a batch carries the same path twice
// with different values.
type ConflictPolicy uint8

const (
	// ConflictReject fails the batch.
	ConflictReject ConflictPolicy = iota
	// ConflictLastWins keeps the value of the last row in batch order.
	ConflictLastWins
)

// DuplicateError reports two rows of one batch addressing the same path with
// different values.
type DuplicateError struct {
	Path Path
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("trie: conflicting values for %s in one batch", e.Path)
}

// Build lofts rows into a value trie. Identical duplicates collapse; differing
// duplicates follow policy. equal defaults to reflect.DeepEqual.
func Build[V any](rows []Row[V], policy ConflictPolicy, equal func(a, b V) bool) (*Node[V], error) {
	if equal == nil {
		equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	root := NewBranch[V]()
	for _, r := range rows {
		if existing := root.Get(r.Path); existing.IsLeaf() {
			if equal(existing.value, r.Value) {
				continue
			}
			if policy == ConflictReject {
				return nil, &DuplicateError{Path: r.Path}
			}
		}
		root.SetLeaf(r.Path, r.Value)
	}
	return root, nil
}
