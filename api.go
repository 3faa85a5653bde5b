package triecache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/genstore"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	pr "github.com/unkn0wn-root/triecache/provider"
	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/tier"
	"github.com/unkn0wn-root/triecache/trie"
	"github.com/unkn0wn-root/triecache/validate"
)

// Engine is the generic N-level API. Selectors and data tries are rooted at
// the page level: the first key of every path is the level-N key.
type Engine[V any] interface {
	Enabled() bool
	Depth() int
	Levels() []trie.Level
	Close(context.Context) error

	// GetMulti returns the selected part of the keyspace. allValid is false
	// when any selected prefix or leaf has no data.
	GetMulti(ctx context.Context, sel *trie.Selector, opts ...CallOption) (node *trie.Node[V], allValid bool, err error)
	// GetRows is GetMulti in matrix form: paths in, full rows out.
	GetRows(ctx context.Context, paths []trie.Path, opts ...CallOption) (rows []trie.Row[V], allValid bool, err error)

	// AddMulti inserts rows; any collision with an existing row fails the
	// whole batch. It returns the number of rows written.
	AddMulti(ctx context.Context, rows []trie.Row[V], opts ...CallOption) (int, error)
	// SetMulti upserts rows atomically.
	SetMulti(ctx context.Context, rows []trie.Row[V], opts ...CallOption) (int, error)
	// ReplaceMulti swaps every prefix's subtree for the given one in one
	// transaction. It returns the number of rows written.
	ReplaceMulti(ctx context.Context, items []Replacement[V], opts ...CallOption) (int, error)

	// DropMulti deletes every selected subtree and returns the rows removed.
	DropMulti(ctx context.Context, sel *trie.Selector, opts ...CallOption) (int64, error)
	DropRows(ctx context.Context, paths []trie.Path, opts ...CallOption) (int64, error)
	// DropGlobal deletes every row whose key at level is one of keys,
	// under any page, and flushes the whole namespace.
	DropGlobal(ctx context.Context, level int, keys []trie.Key, opts ...CallOption) (int64, error)
	// DropAll truncates the store and flushes the whole namespace.
	DropAll(ctx context.Context) error

	// Level returns the convenience view for level k (N = page, 1 = leaf).
	Level(k int) (*LevelView[V], error)
}

// Tier is the persistent cache tier the engine coordinates with.
// *tier.Cache implements it.
type Tier[V any] interface {
	Stamp(ctx context.Context, ids []trie.Key) (tier.Stamp, error)
	ReadPages(ctx context.Context, st tier.Stamp, ids []trie.Key) (map[trie.Key]*page.Page[V], error)
	LockPages(ctx context.Context, ids []trie.Key) (*tier.Lease, map[trie.Key]*page.Page[V], error)
	Bump(ctx context.Context, l *tier.Lease) (map[trie.Key]uint64, error)
	WritePages(ctx context.Context, l *tier.Lease, pages []*page.Page[V]) error
	FlushPages(ctx context.Context, l *tier.Lease, ids []trie.Key) error
	Release(ctx context.Context, l *tier.Lease) error
	LockNamespace(ctx context.Context) (*tier.Lease, error)
	FlushNamespace(ctx context.Context, l *tier.Lease) error
	Close(ctx context.Context) error
}

var _ Tier[int] = (*tier.Cache[int])(nil)

// Replacement is one subtree swap. Prefix holds 1..N keys; Subtree is
// relative to it (a leaf when Prefix is a full path). A nil or empty
// Subtree empties the prefix.
type Replacement[V any] struct {
	Prefix  trie.Path
	Subtree *trie.Node[V]
}

// Options configure an Engine.
// Namespace, Levels, Store and Provider (or Tier) are required.
type Options[V any] struct {
	// Required
	Namespace string // e.g. "app:prod:profiles"
	Levels    []trie.Level
	Store     store.Store[V]
	Provider  pr.Provider // persistent tier bytes; ignored when Tier is set

	Tier      Tier[V]                    // prebuilt tier; nil => built from the fields below
	Codec     codec.Codec[page.Image[V]] // nil => msgpack
	GenStore  genstore.GenStore          // nil => local (single process only)
	LockStore lockstore.LockStore        // nil => local (single process only)
	Validator *validate.Validator        // nil => built from Levels
	Logger    Logger                     // nil => NopLogger
	Hooks     Hooks                      // nil => NopHooks
	TTL       time.Duration              // page images; 0 => 10m
	LockTTL   time.Duration              // page/namespace locks; 0 => 30s

	// SetCost sizes image writes for cost-aware providers; nil => len(raw).
	SetCost func(key string, raw []byte) int64

	// GenRetention bounds idle generations in the local gen store; it must
	// exceed TTL. 0 => 30d.
	GenRetention time.Duration

	Disabled      bool                // both cache tiers bypassed; every call goes to the store
	BatchConflict trie.ConflictPolicy // default ConflictReject
	Equal         func(a, b V) bool   // duplicate detection; nil => reflect.DeepEqual
	ExposedLevels []int               // levels Level(k) may return; nil => all
	// LocalMaxPages bounds the process cache with ristretto; 0 => unbounded map.
	LocalMaxPages int64
}

// CallOption adjusts one call.
type CallOption func(*callOptions)

type callOptions struct {
	skipValidation bool
	allowUnbounded bool
}

// SkipValidation trusts the caller's keys and shapes.
func SkipValidation() CallOption { return func(o *callOptions) { o.skipValidation = true } }

// AllowUnbounded lets a call address the whole keyspace.
func AllowUnbounded() CallOption { return func(o *callOptions) { o.allowUnbounded = true } }

func collect(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func New[V any](opts Options[V]) (Engine[V], error) {
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}
