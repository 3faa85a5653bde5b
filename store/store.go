// Package store defines the backing-store contract the engine writes
// through to. Implementations live in subpackages.
package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/trie"
)

// ErrCollision is returned (wrapped) when an insert hits an existing full
// path. The whole insert is rolled back.
var ErrCollision = errors.New("store: key collision")

// ErrTxDone is returned by a Tx used after Commit or Rollback.
var ErrTxDone = errors.New("store: transaction already finished")

// Store is the durable, authoritative table. Paths are full-depth; selectors
// are rooted at the page level and a universal selector matches every row.
type Store[V any] interface {
	Select(ctx context.Context, sel *trie.Selector) ([]trie.Row[V], error)
	InsertMulti(ctx context.Context, rows []trie.Row[V]) error
	Upsert(ctx context.Context, row trie.Row[V]) error
	Delete(ctx context.Context, sel *trie.Selector) (int64, error)
	// DeleteLevel removes every row whose key at level (N = page, 1 = leaf)
	// is one of keys.
	DeleteLevel(ctx context.Context, level int, keys []trie.Key) (int64, error)
	Truncate(ctx context.Context) error
	Begin(ctx context.Context) (Tx[V], error)
}

// Tx groups writes that must apply together.
type Tx[V any] interface {
	InsertMulti(ctx context.Context, rows []trie.Row[V]) error
	Upsert(ctx context.Context, row trie.Row[V]) error
	Delete(ctx context.Context, sel *trie.Selector) (int64, error)
	Commit() error
	Rollback() error
}

// Collision wraps ErrCollision with the offending path.
func Collision(p trie.Path) error {
	return errors.Wrapf(ErrCollision, "path %s", p)
}
