package triecache

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/genstore"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/tier"
	"github.com/unkn0wn-root/triecache/trie"
	"github.com/unkn0wn-root/triecache/validate"
)

type engine[V any] struct {
	ns      string
	levels  []trie.Level
	depth   int
	store   store.Store[V]
	tier    Tier[V]
	local   localCache[V]
	v       *validate.Validator
	log     Logger
	hooks   Hooks
	policy  trie.ConflictPolicy
	equal   func(a, b V) bool
	exposed map[int]bool
	enabled bool

	closed atomic.Bool
}

var _ Engine[int] = (*engine[int])(nil)

func newEngine[V any](opts Options[V]) (*engine[V], error) {
	if opts.Namespace == "" {
		return nil, errors.New("triecache: namespace is required")
	}
	if opts.Store == nil {
		return nil, newError(NotInitialized, "New", errors.New("store is required"))
	}
	v := opts.Validator
	if v == nil {
		var err error
		if v, err = validate.New(opts.Levels); err != nil {
			return nil, newError(ValidationError, "New", err)
		}
	}

	e := &engine[V]{
		ns:      opts.Namespace,
		levels:  v.Levels(),
		depth:   v.Depth(),
		store:   opts.Store,
		v:       v,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		policy:  opts.BatchConflict,
		equal:   opts.Equal,
		enabled: !opts.Disabled,
	}
	if len(opts.ExposedLevels) > 0 {
		e.exposed = make(map[int]bool, len(opts.ExposedLevels))
		for _, k := range opts.ExposedLevels {
			if k < 1 || k > e.depth {
				return nil, newError(ValidationError, "New", errors.Newf("exposed level %d outside 1..%d", k, e.depth))
			}
			e.exposed[k] = true
		}
	}
	if !e.enabled {
		return e, nil
	}

	local, err := newLocalCache[V](opts.LocalMaxPages)
	if err != nil {
		return nil, errors.Wrap(err, "triecache: process cache")
	}
	e.local = local

	e.tier = opts.Tier
	if e.tier == nil {
		if opts.Provider == nil {
			return nil, errors.New("triecache: provider is required")
		}
		ttl := coalesce[time.Duration](opts.TTL, defaultTTL)
		gens := opts.GenStore
		if gens == nil {
			retention := coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
			if retention <= ttl {
				return nil, errors.Newf("triecache: gen retention %s must exceed ttl %s", retention, ttl)
			}
			gens = genstore.NewLocal(defaultSweep, retention)
		}
		locks := opts.LockStore
		if locks == nil {
			locks = lockstore.NewLocal()
		}
		tc, err := tier.New(tier.Options[V]{
			Namespace:  opts.Namespace,
			Provider:   opts.Provider,
			Codec:      coalesce[codec.Codec[page.Image[V]]](opts.Codec, codec.Msgpack[page.Image[V]]{}),
			Gens:       gens,
			Locks:      locks,
			Depth:      e.depth - 1,
			TTL:        ttl,
			LockTTL:    coalesce[time.Duration](opts.LockTTL, defaultLockTTL),
			Cost:       opts.SetCost,
			OnSelfHeal: e.hooks.PageSelfHeal,
		})
		if err != nil {
			return nil, err
		}
		e.tier = tc
		if opts.GenStore == nil {
			e.log.Info("local gen store in use; persistent tier is not shared safely across processes",
				Fields{"namespace": e.ns})
		}
	}
	return e, nil
}

func (e *engine[V]) Enabled() bool        { return e.enabled }
func (e *engine[V]) Depth() int           { return e.depth }
func (e *engine[V]) Levels() []trie.Level { return slices.Clone(e.levels) }

func (e *engine[V]) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	if !e.enabled {
		return nil
	}
	e.local.close()
	return e.tier.Close(ctx)
}

func (e *engine[V]) ready(op string) error {
	if e == nil || e.closed.Load() {
		return newError(NotInitialized, op, nil)
	}
	return nil
}

// unbounded applies the universal-set guard.
func (e *engine[V]) unbounded(op string, o callOptions) error {
	if o.allowUnbounded {
		return nil
	}
	e.hooks.UnboundedRejected(op)
	return newError(UnboundedQueryError, op, nil)
}

func invalid(op string, err error) *Error {
	out := newError(ValidationError, op, err)
	var ve *validate.Error
	if errors.As(err, &ve) {
		out.Path = ve.Path
	}
	var de *trie.DuplicateError
	if errors.As(err, &de) {
		out.Path = de.Path
	}
	return out
}
