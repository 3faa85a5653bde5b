package triecache

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/tier"
	"github.com/unkn0wn-root/triecache/trie"
	"github.com/unkn0wn-root/triecache/validate"
)

// mutation is one locked write: the pages it touches, the store write and
// the change to apply to each staged page once the store has committed.
type mutation[V any] struct {
	op     string
	ids    []trie.Key
	commit func(ctx context.Context) error
	apply  func(p *page.Page[V])
}

func (e *engine[V]) AddMulti(ctx context.Context, rows []trie.Row[V], opts ...CallOption) (int, error) {
	const op = "AddMulti"
	data, rows, err := e.prepareRows(op, rows, collect(opts))
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return len(rows), e.mutate(ctx, mutation[V]{
		op:  op,
		ids: data.Keys(),
		commit: func(ctx context.Context) error {
			if err := e.store.InsertMulti(ctx, rows); err != nil {
				return e.storeWriteError(op, err)
			}
			return nil
		},
		apply: putLeaves(data),
	})
}

func (e *engine[V]) SetMulti(ctx context.Context, rows []trie.Row[V], opts ...CallOption) (int, error) {
	const op = "SetMulti"
	data, rows, err := e.prepareRows(op, rows, collect(opts))
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	commit := func(ctx context.Context) error {
		if len(rows) == 1 {
			if err := e.store.Upsert(ctx, rows[0]); err != nil {
				return e.storeWriteError(op, err)
			}
			return nil
		}
		return e.inTx(ctx, op, func(tx store.Tx[V]) error {
			for _, r := range rows {
				if err := tx.Upsert(ctx, r); err != nil {
					return e.storeWriteError(op, err)
				}
			}
			return nil
		})
	}
	return len(rows), e.mutate(ctx, mutation[V]{op: op, ids: data.Keys(), commit: commit, apply: putLeaves(data)})
}

func (e *engine[V]) ReplaceMulti(ctx context.Context, items []Replacement[V], opts ...CallOption) (int, error) {
	const op = "ReplaceMulti"
	if err := e.ready(op); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	if !collect(opts).skipValidation {
		for _, it := range items {
			if err := validate.Replace(e.v, it.Prefix, it.Subtree); err != nil {
				return 0, invalid(op, err)
			}
		}
	}

	seen := make(map[trie.Key]bool)
	var ids []trie.Key
	written := 0
	for _, it := range items {
		if id := it.Prefix.At(0); !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		written += it.Subtree.Count()
	}
	slices.SortFunc(ids, trie.Key.Compare)

	commit := func(ctx context.Context) error {
		return e.inTx(ctx, op, func(tx store.Tx[V]) error {
			for _, it := range items {
				if _, err := tx.Delete(ctx, trie.Loft([]trie.Path{it.Prefix})); err != nil {
					return e.storeWriteError(op, err)
				}
				if it.Subtree.Empty() {
					continue
				}
				if err := tx.InsertMulti(ctx, trie.Flatten(it.Subtree, it.Prefix)); err != nil {
					return e.storeWriteError(op, err)
				}
			}
			return nil
		})
	}
	apply := func(p *page.Page[V]) {
		for _, it := range items {
			if it.Prefix.At(0) == p.ID {
				p.Replace(it.Prefix.Suffix(1), it.Subtree)
			}
		}
	}
	return written, e.mutate(ctx, mutation[V]{op: op, ids: ids, commit: commit, apply: apply})
}

// prepareRows validates rows and collapses duplicates by the batch policy.
// It returns the data trie and the deduplicated rows in path order.
func (e *engine[V]) prepareRows(op string, rows []trie.Row[V], o callOptions) (*trie.Node[V], []trie.Row[V], error) {
	if err := e.ready(op); err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	if !o.skipValidation {
		for _, r := range rows {
			if err := e.v.Path(r.Path, true); err != nil {
				return nil, nil, invalid(op, err)
			}
		}
	}
	data, err := trie.Build(rows, e.policy, e.equal)
	if err != nil {
		return nil, nil, invalid(op, err)
	}
	return data, trie.Flatten(data, trie.Path{}), nil
}

// putLeaves merges the leaves of data into a staged page.
func putLeaves[V any](data *trie.Node[V]) func(p *page.Page[V]) {
	return func(p *page.Page[V]) {
		data.Child(p.ID).Walk(func(rel trie.Path, v V) bool {
			p.Put(rel, v)
			return true
		})
	}
}

func (e *engine[V]) storeWriteError(op string, err error) *Error {
	out := newError(StoreWriteError, op, err)
	if errors.Is(err, store.ErrCollision) {
		e.log.Debug("insert collided with an existing row", Fields{"op": op, "err": err})
	}
	return out
}

// inTx runs fn in one store transaction. fn's error is returned as is after
// a rollback; begin, commit and rollback failures are StoreTransactionError.
func (e *engine[V]) inTx(ctx context.Context, op string, fn func(tx store.Tx[V]) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return newError(StoreTransactionError, op, err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return &Error{Kind: StoreTransactionError, Op: op, Err: err, Secondary: rerr}
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return newError(StoreTransactionError, op, err)
	}
	return nil
}

// mutate runs m under page locks:
//
//	lock -> bump (fence) -> store write -> bump (commit) -> process cache -> persistent tier
//
// The fence bump stops every copy taken before the write from being
// trusted; the commit bump does the same for copies taken while the write
// was in flight. Every locked page is written, flushed or released on every
// exit path.
func (e *engine[V]) mutate(ctx context.Context, m mutation[V]) error {
	if !e.enabled {
		return m.commit(ctx)
	}
	lease, images, err := e.tier.LockPages(ctx, m.ids)
	if err != nil {
		return newError(CacheLockError, m.op, err)
	}

	bases := make(map[trie.Key]*page.Page[V], len(m.ids))
	for _, id := range m.ids {
		if p, ok := images[id]; ok {
			bases[id] = p
			continue
		}
		if p, ok := e.local.get(id); ok && p.Epoch == lease.Epoch() && p.Gen == lease.Gen(id) {
			bases[id] = p
			continue
		}
		bases[id] = page.New[V](id, e.depth-1)
	}

	if _, err := e.tier.Bump(ctx, lease); err != nil {
		if rerr := e.tier.Release(ctx, lease); rerr != nil {
			e.unlockFailure(m.op, len(m.ids), rerr)
			return escalate(m.op, err, rerr, false)
		}
		return newError(CacheLockError, m.op, err)
	}

	if err := m.commit(ctx); err != nil {
		return e.abort(ctx, m.op, lease, bases, err)
	}

	gens, err := e.tier.Bump(ctx, lease)
	if err != nil {
		return e.flushAfterCommit(ctx, m.op, lease, newError(CacheWriteError, m.op, err))
	}

	var live []*page.Page[V]
	var dead []trie.Key
	for _, id := range m.ids {
		p := bases[id].Clone()
		m.apply(p)
		if p.Empty() {
			e.local.del(id)
			dead = append(dead, id)
			continue
		}
		p.Gen, p.Epoch = gens[id], lease.Epoch()
		e.local.put(p)
		live = append(live, p)
	}

	if len(live) > 0 {
		if err := e.tier.WritePages(ctx, lease, live); err != nil {
			for _, p := range live {
				e.local.del(p.ID)
			}
			return e.flushAfterCommit(ctx, m.op, lease, newError(CacheWriteError, m.op, err))
		}
	}
	if len(dead) > 0 {
		if err := e.tier.FlushPages(ctx, lease, dead); err != nil {
			return e.releaseAfterCommit(ctx, m.op, lease, newError(CacheFlushError, m.op, err))
		}
	}
	return nil
}

// abort handles a failed store write: the pages are unchanged, so their
// previous images go back under the fence generation, which also releases
// the locks. When that fails the pages are flushed instead.
func (e *engine[V]) abort(ctx context.Context, op string, lease *tier.Lease, bases map[trie.Key]*page.Page[V], cause error) error {
	var keep []*page.Page[V]
	for _, id := range lease.IDs() {
		if p := bases[id]; !p.Empty() {
			keep = append(keep, p)
		}
	}
	err := e.tier.WritePages(ctx, lease, keep)
	if err == nil {
		err = e.tier.Release(ctx, lease)
	}
	if err == nil {
		return cause
	}
	e.log.Warn("restoring pages after store failure failed; flushing", Fields{"op": op, "err": err})
	if ferr := e.tier.FlushPages(ctx, lease, lease.IDs()); ferr != nil {
		e.unlockFailure(op, len(lease.IDs()), ferr)
		return escalate(op, cause, errors.CombineErrors(err, ferr), false)
	}
	return cause
}

// flushAfterCommit discards every page still held after the store committed
// but the tier could not take the new pages.
func (e *engine[V]) flushAfterCommit(ctx context.Context, op string, lease *tier.Lease, cause *Error) error {
	cause.Committed = true
	ids := lease.IDs()
	for _, id := range ids {
		e.local.del(id)
	}
	if err := e.tier.FlushPages(ctx, lease, ids); err != nil {
		e.unlockFailure(op, len(ids), err)
		return escalate(op, cause.Err, err, true)
	}
	return cause
}

func (e *engine[V]) releaseAfterCommit(ctx context.Context, op string, lease *tier.Lease, cause *Error) error {
	cause.Committed = true
	if err := e.tier.Release(ctx, lease); err != nil {
		e.unlockFailure(op, len(lease.IDs()), err)
		return escalate(op, cause.Err, err, true)
	}
	return cause
}
