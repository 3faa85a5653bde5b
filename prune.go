package triecache

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/trie"
)

func (e *engine[V]) DropMulti(ctx context.Context, sel *trie.Selector, opts ...CallOption) (int64, error) {
	return e.drop(ctx, "DropMulti", sel, collect(opts))
}

func (e *engine[V]) DropRows(ctx context.Context, paths []trie.Path, opts ...CallOption) (int64, error) {
	const op = "DropRows"
	o := collect(opts)
	if !o.skipValidation {
		for _, p := range paths {
			if err := e.v.Path(p, false); err != nil {
				return 0, invalid(op, err)
			}
		}
	}
	o.skipValidation = true
	return e.drop(ctx, op, trie.Loft(paths), o)
}

func (e *engine[V]) drop(ctx context.Context, op string, sel *trie.Selector, o callOptions) (int64, error) {
	if err := e.ready(op); err != nil {
		return 0, err
	}
	if trie.Universal(sel) {
		if err := e.unbounded(op, o); err != nil {
			return 0, err
		}
		var n int64
		err := e.namespaceOp(ctx, op, func(ctx context.Context) error {
			var err error
			n, err = e.store.Delete(ctx, trie.Mark())
			return err
		})
		return n, err
	}
	if !o.skipValidation {
		if err := e.v.Selector(sel); err != nil {
			return 0, invalid(op, err)
		}
	}

	var n int64
	err := e.mutate(ctx, mutation[V]{
		op:  op,
		ids: sel.Keys(),
		commit: func(ctx context.Context) error {
			var err error
			if n, err = e.store.Delete(ctx, sel); err != nil {
				return newError(StoreWriteError, op, err)
			}
			return nil
		},
		apply: func(p *page.Page[V]) { p.Remove(sel.Child(p.ID)) },
	})
	return n, err
}

func (e *engine[V]) DropGlobal(ctx context.Context, level int, keys []trie.Key, opts ...CallOption) (int64, error) {
	const op = "DropGlobal"
	if err := e.ready(op); err != nil {
		return 0, err
	}
	if level < 1 || level > e.depth {
		return 0, invalid(op, errors.Newf("level %d outside 1..%d", level, e.depth))
	}
	if !collect(opts).skipValidation {
		idx := e.depth - level
		for _, k := range keys {
			if err := e.v.Key(idx, k, trie.NewPath(k)); err != nil {
				return 0, invalid(op, err)
			}
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := e.namespaceOp(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = e.store.DeleteLevel(ctx, level, keys)
		return err
	})
	return n, err
}

func (e *engine[V]) DropAll(ctx context.Context) error {
	const op = "DropAll"
	if err := e.ready(op); err != nil {
		return err
	}
	return e.namespaceOp(ctx, op, e.store.Truncate)
}

// namespaceOp runs a store write that may touch any page under the
// namespace lock, then orphans every cached page instead of invalidating
// them one by one.
func (e *engine[V]) namespaceOp(ctx context.Context, op string, write func(context.Context) error) error {
	if !e.enabled {
		if err := write(ctx); err != nil {
			return newError(StoreWriteError, op, err)
		}
		return nil
	}
	lease, err := e.tier.LockNamespace(ctx)
	if err != nil {
		return newError(CacheLockError, op, err)
	}
	if err := write(ctx); err != nil {
		cause := newError(StoreWriteError, op, err)
		if rerr := e.tier.Release(ctx, lease); rerr != nil {
			e.unlockFailure(op, 0, rerr)
			return escalate(op, cause, rerr, false)
		}
		return cause
	}
	e.local.clear()
	if err := e.tier.FlushNamespace(ctx, lease); err != nil {
		// LockNamespace already moved the epoch past every old image.
		if rerr := e.tier.Release(ctx, lease); rerr != nil {
			e.unlockFailure(op, 0, rerr)
			return escalate(op, err, rerr, true)
		}
		return &Error{Kind: CacheFlushError, Op: op, Committed: true, Err: err}
	}
	e.hooks.NamespaceFlushed(op)
	e.log.Info("namespace flushed", Fields{"op": op, "namespace": e.ns})
	return nil
}
