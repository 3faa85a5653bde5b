package triecache

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/trie"
)

// LevelView is the engine seen from one level k: calls take the ancestor
// keys of levels N..k+1 and address keys of level k below them. Level N
// (the page level) has no ancestors; level 1 entries are single leaves.
type LevelView[V any] struct {
	e     *engine[V]
	level int
}

// Entry is one level-k key and the subtree under it (a leaf at level 1).
type Entry[V any] struct {
	Key  trie.Key
	Node *trie.Node[V]
}

func (e *engine[V]) Level(k int) (*LevelView[V], error) {
	const op = "Level"
	if err := e.ready(op); err != nil {
		return nil, err
	}
	if k < 1 || k > e.depth {
		return nil, invalid(op, errors.Newf("level %d outside 1..%d", k, e.depth))
	}
	if e.exposed != nil && !e.exposed[k] {
		return nil, invalid(op, errors.Newf("level %d is not exposed", k))
	}
	return &LevelView[V]{e: e, level: k}, nil
}

// Level is k (N = page level, 1 = leaf level).
func (l *LevelView[V]) Level() int { return l.level }

// Name is the schema name of the level.
func (l *LevelView[V]) Name() string { return l.e.levels[l.e.depth-l.level].Name }

func (l *LevelView[V]) ancestors(op string, anc trie.Path) error {
	if want := l.e.depth - l.level; anc.Len() != want {
		return invalid(op, errors.Newf("level %d takes %d ancestor keys, got %d", l.level, want, anc.Len()))
	}
	return nil
}

// Get returns the subtrees of keys under anc. The result is rooted at anc:
// its children are level-k keys. A nil or empty keys selects every key
// under anc, which at level N is the whole keyspace.
func (l *LevelView[V]) Get(ctx context.Context, anc trie.Path, keys []trie.Key, opts ...CallOption) (*trie.Node[V], bool, error) {
	const op = "Get"
	if err := l.ancestors(op, anc); err != nil {
		return nil, false, err
	}
	n, ok, err := l.e.GetMulti(ctx, l.selector(anc, keys), opts...)
	if err != nil {
		return nil, false, err
	}
	out := n.Get(anc)
	if out == nil {
		out = trie.NewBranch[V]()
	}
	return out, ok, nil
}

// GetOne lifts the subtree of a single key; at level 1 it is a leaf and
// Value yields the stored value.
func (l *LevelView[V]) GetOne(ctx context.Context, anc trie.Path, key trie.Key, opts ...CallOption) (*trie.Node[V], bool, error) {
	n, ok, err := l.Get(ctx, anc, []trie.Key{key}, opts...)
	if err != nil {
		return nil, false, err
	}
	return n.Child(key), ok, nil
}

func (l *LevelView[V]) Add(ctx context.Context, anc trie.Path, entries []Entry[V], opts ...CallOption) (int, error) {
	rows, err := l.rows("Add", anc, entries)
	if err != nil {
		return 0, err
	}
	return l.e.AddMulti(ctx, rows, opts...)
}

func (l *LevelView[V]) Set(ctx context.Context, anc trie.Path, entries []Entry[V], opts ...CallOption) (int, error) {
	rows, err := l.rows("Set", anc, entries)
	if err != nil {
		return 0, err
	}
	return l.e.SetMulti(ctx, rows, opts...)
}

// Replace swaps the subtree of every entry key; a nil Node empties it.
func (l *LevelView[V]) Replace(ctx context.Context, anc trie.Path, entries []Entry[V], opts ...CallOption) (int, error) {
	if err := l.ancestors("Replace", anc); err != nil {
		return 0, err
	}
	items := make([]Replacement[V], len(entries))
	for i, en := range entries {
		items[i] = Replacement[V]{Prefix: anc.Append(en.Key), Subtree: en.Node}
	}
	return l.e.ReplaceMulti(ctx, items, opts...)
}

// Drop deletes the subtrees of keys under anc. Empty keys drop everything
// under anc and needs AllowUnbounded at level N.
func (l *LevelView[V]) Drop(ctx context.Context, anc trie.Path, keys []trie.Key, opts ...CallOption) (int64, error) {
	if err := l.ancestors("Drop", anc); err != nil {
		return 0, err
	}
	return l.e.DropMulti(ctx, l.selector(anc, keys), opts...)
}

func (l *LevelView[V]) selector(anc trie.Path, keys []trie.Key) *trie.Selector {
	if len(keys) == 0 {
		return trie.Loft([]trie.Path{anc})
	}
	paths := make([]trie.Path, len(keys))
	for i, k := range keys {
		paths[i] = anc.Append(k)
	}
	return trie.Loft(paths)
}

func (l *LevelView[V]) rows(op string, anc trie.Path, entries []Entry[V]) ([]trie.Row[V], error) {
	if err := l.ancestors(op, anc); err != nil {
		return nil, err
	}
	var rows []trie.Row[V]
	for _, en := range entries {
		if en.Node.Empty() {
			return nil, invalid(op, errors.Newf("entry %s has no data", en.Key))
		}
		rows = append(rows, trie.Flatten(en.Node, anc.Append(en.Key))...)
	}
	return rows, nil
}
