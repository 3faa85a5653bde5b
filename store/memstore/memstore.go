// Package memstore is an in-memory store.Store ordered by path. It backs
// tests and single-process deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/trie"
)

// ErrConflict is returned by Commit when another write landed after Begin.
var ErrConflict = errors.New("memstore: concurrent write, transaction aborted")

type item[V any] struct {
	path  trie.Path
	value V
}

func less[V any](a, b item[V]) bool { return a.path.Compare(b.path) < 0 }

type Store[V any] struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[item[V]]
	depth   int
	version uint64
}

var _ store.Store[int] = (*Store[int])(nil)

// New returns an empty store for paths of depth levels.
func New[V any](depth int) *Store[V] {
	return &Store[V]{tree: btree.NewG(16, less[V]), depth: depth}
}

// Len reports the number of rows.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *Store[V]) Select(ctx context.Context, sel *trie.Selector) ([]trie.Row[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRows(s.tree, sel), nil
}

func (s *Store[V]) InsertMulti(ctx context.Context, rows []trie.Row[V]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := insertRows(s.tree, rows, s.depth); err != nil {
		return err
	}
	s.version++
	return nil
}

func (s *Store[V]) Upsert(ctx context.Context, row trie.Row[V]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if row.Path.Len() != s.depth {
		return errors.Newf("memstore: row %s has %d levels, want %d", row.Path, row.Path.Len(), s.depth)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(item[V]{path: row.Path, value: row.Value})
	s.version++
	return nil
}

func (s *Store[V]) Delete(ctx context.Context, sel *trie.Selector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := deleteRows(s.tree, sel)
	if n > 0 {
		s.version++
	}
	return n, nil
}

func (s *Store[V]) DeleteLevel(ctx context.Context, level int, keys []trie.Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if level < 1 || level > s.depth {
		return 0, errors.Newf("memstore: level %d outside 1..%d", level, s.depth)
	}
	want := make(map[trie.Key]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	idx := s.depth - level
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []item[V]
	s.tree.Ascend(func(it item[V]) bool {
		if _, ok := want[it.path.At(idx)]; ok {
			doomed = append(doomed, it)
		}
		return true
	})
	for _, it := range doomed {
		s.tree.Delete(it)
	}
	if len(doomed) > 0 {
		s.version++
	}
	return int64(len(doomed)), nil
}

func (s *Store[V]) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	s.version++
	return nil
}

// Begin snapshots the tree copy-on-write; Commit swaps the snapshot in when
// no other write happened meanwhile.
func (s *Store[V]) Begin(ctx context.Context) (store.Tx[V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx[V]{s: s, tree: s.tree.Clone(), base: s.version}, nil
}

type tx[V any] struct {
	s    *Store[V]
	tree *btree.BTreeG[item[V]]
	base uint64
	done bool
}

func (t *tx[V]) InsertMulti(ctx context.Context, rows []trie.Row[V]) error {
	if t.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return insertRows(t.tree, rows, t.s.depth)
}

func (t *tx[V]) Upsert(ctx context.Context, row trie.Row[V]) error {
	if t.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if row.Path.Len() != t.s.depth {
		return errors.Newf("memstore: row %s has %d levels, want %d", row.Path, row.Path.Len(), t.s.depth)
	}
	t.tree.ReplaceOrInsert(item[V]{path: row.Path, value: row.Value})
	return nil
}

func (t *tx[V]) Delete(ctx context.Context, sel *trie.Selector) (int64, error) {
	if t.done {
		return 0, store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return deleteRows(t.tree, sel), nil
}

func (t *tx[V]) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.version != t.base {
		return ErrConflict
	}
	t.s.tree = t.tree
	t.s.version++
	return nil
}

func (t *tx[V]) Rollback() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.tree = nil
	return nil
}

func selectRows[V any](tree *btree.BTreeG[item[V]], sel *trie.Selector) []trie.Row[V] {
	var out []trie.Row[V]
	for _, prefix := range prefixes(sel) {
		scan(tree, prefix, func(it item[V]) {
			out = append(out, trie.Row[V]{Path: it.path, Value: it.value})
		})
	}
	return out
}

func deleteRows[V any](tree *btree.BTreeG[item[V]], sel *trie.Selector) int64 {
	var doomed []item[V]
	for _, prefix := range prefixes(sel) {
		scan(tree, prefix, func(it item[V]) { doomed = append(doomed, it) })
	}
	for _, it := range doomed {
		tree.Delete(it)
	}
	return int64(len(doomed))
}

// insertRows checks every row before inserting any, so a collision leaves
// the tree untouched.
func insertRows[V any](tree *btree.BTreeG[item[V]], rows []trie.Row[V], depth int) error {
	seen := make(map[trie.Path]struct{}, len(rows))
	for _, r := range rows {
		if r.Path.Len() != depth {
			return errors.Newf("memstore: row %s has %d levels, want %d", r.Path, r.Path.Len(), depth)
		}
		if _, dup := seen[r.Path]; dup {
			return store.Collision(r.Path)
		}
		if tree.Has(item[V]{path: r.Path}) {
			return store.Collision(r.Path)
		}
		seen[r.Path] = struct{}{}
	}
	for _, r := range rows {
		tree.ReplaceOrInsert(item[V]{path: r.Path, value: r.Value})
	}
	return nil
}

func prefixes(sel *trie.Selector) []trie.Path {
	if trie.Universal(sel) {
		return []trie.Path{{}}
	}
	return trie.Marks(sel)
}

func scan[V any](tree *btree.BTreeG[item[V]], prefix trie.Path, fn func(item[V])) {
	tree.AscendGreaterOrEqual(item[V]{path: prefix}, func(it item[V]) bool {
		if !it.path.HasPrefix(prefix) {
			return false
		}
		fn(it)
		return true
	})
}
