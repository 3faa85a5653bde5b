package triecache

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/tier"
	"github.com/unkn0wn-root/triecache/trie"
)

func (e *engine[V]) GetMulti(ctx context.Context, sel *trie.Selector, opts ...CallOption) (*trie.Node[V], bool, error) {
	return e.get(ctx, "GetMulti", sel, collect(opts))
}

func (e *engine[V]) GetRows(ctx context.Context, paths []trie.Path, opts ...CallOption) ([]trie.Row[V], bool, error) {
	const op = "GetRows"
	o := collect(opts)
	if !o.skipValidation {
		for _, p := range paths {
			if err := e.v.Path(p, false); err != nil {
				return nil, false, invalid(op, err)
			}
		}
	}
	o.skipValidation = true
	n, ok, err := e.get(ctx, op, trie.Loft(paths), o)
	if err != nil {
		return nil, false, err
	}
	return trie.Flatten(n, trie.Path{}), ok, nil
}

func (e *engine[V]) get(ctx context.Context, op string, sel *trie.Selector, o callOptions) (*trie.Node[V], bool, error) {
	if err := e.ready(op); err != nil {
		return nil, false, err
	}
	if trie.Universal(sel) {
		if err := e.unbounded(op, o); err != nil {
			return nil, false, err
		}
		// Whole-keyspace reads are served by the store and never cached.
		return e.readStore(ctx, op, trie.Mark())
	}
	if !o.skipValidation {
		if err := e.v.Selector(sel); err != nil {
			return nil, false, invalid(op, err)
		}
	}
	if !e.enabled {
		return e.readStore(ctx, op, sel)
	}
	return e.resolve(ctx, op, sel)
}

// readStore answers sel from the store alone.
func (e *engine[V]) readStore(ctx context.Context, op string, sel *trie.Selector) (*trie.Node[V], bool, error) {
	rows, err := e.store.Select(ctx, sel)
	if err != nil {
		return nil, false, newError(StoreReadError, op, err)
	}
	e.hooks.StoreFetch(sel.Len(), len(rows))
	all, err := trie.Build(rows, trie.ConflictLastWins, nil)
	if err != nil {
		return nil, false, newError(StoreReadError, op, err)
	}
	out, ok := page.Pick(sel, all)
	if out == nil {
		out = trie.NewBranch[V]()
	}
	return out, ok, nil
}

// resolve walks the tiers in priority order: process cache, persistent tier,
// store. Pages grown from the store are staged as clones; the live process
// cache only ever receives finished pages.
func (e *engine[V]) resolve(ctx context.Context, op string, sel *trie.Selector) (*trie.Node[V], bool, error) {
	ids := sel.Keys()
	st, err := e.tier.Stamp(ctx, ids)
	if err != nil {
		e.hooks.TierUnavailable(op, err)
		e.log.Warn("tier stamp failed; reading store directly", Fields{"op": op, "err": err})
		return e.readStore(ctx, op, sel)
	}

	view := make(map[trie.Key]*page.Page[V], len(ids))
	var need []trie.Key
	for _, id := range ids {
		if p, ok := e.local.get(id); ok {
			if st.Trusted(id, p.Gen, p.Epoch) {
				view[id] = p
				continue
			}
			// A locked page may still be current; skip it without evicting.
			if !st.Current(id, p.Gen, p.Epoch) {
				e.local.del(id)
				e.hooks.PageSelfHeal(id, HealLocalStale)
			}
		}
		need = append(need, id)
	}
	if len(need) > 0 {
		images, err := e.tier.ReadPages(ctx, st, need)
		if err != nil {
			e.hooks.TierUnavailable(op, err)
			e.log.Warn("tier read failed", Fields{"op": op, "pages": len(need), "err": err})
		}
		for id, p := range images {
			view[id] = p
			e.local.put(p)
		}
	}

	miss := trie.NewBranch[struct{}]()
	for _, id := range ids {
		want := sel.Child(id)
		if p := view[id]; p != nil {
			want = p.Missing(want)
		}
		if want != nil {
			miss.Put(id, want)
		}
	}

	staged := make(map[trie.Key]*page.Page[V], miss.Len())
	if miss.Len() > 0 {
		rows, err := e.store.Select(ctx, miss)
		if err != nil {
			return nil, false, newError(StoreReadError, op, err)
		}
		e.hooks.StoreFetch(miss.Len(), len(rows))
		fetched, err := trie.Build(rows, trie.ConflictLastWins, nil)
		if err != nil {
			return nil, false, newError(StoreReadError, op, err)
		}
		for _, id := range miss.Keys() {
			var p *page.Page[V]
			if base := view[id]; base != nil {
				p = base.Clone()
			} else {
				p = page.New[V](id, e.depth-1)
			}
			p.Absorb(miss.Child(id), fetched.Child(id))
			staged[id] = p
			view[id] = p
		}
	}

	out := trie.NewBranch[V]()
	allValid := true
	for _, id := range ids {
		p := view[id]
		if p.Empty() {
			allValid = false
			continue
		}
		sub, ok := p.Extract(sel.Child(id))
		allValid = allValid && ok
		if sub != nil {
			out.Put(id, sub)
		}
	}

	e.persist(ctx, op, st, staged)
	return out, allValid, nil
}

// persist writes pages grown by a read back to both tiers. Failures are
// reported through hooks and logs only; the read already has its answer.
func (e *engine[V]) persist(ctx context.Context, op string, st tier.Stamp, staged map[trie.Key]*page.Page[V]) {
	ids := make([]trie.Key, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, trie.Key.Compare)
	for _, id := range ids {
		p := staged[id]
		switch {
		case p.Empty():
			e.local.del(id)
			e.hooks.PersistSkipped(id, SkipEmpty)
		case !st.Persistable(id):
			e.hooks.PersistSkipped(id, SkipLocked)
		default:
			e.persistPage(ctx, op, st, p)
		}
	}
}

func (e *engine[V]) persistPage(ctx context.Context, op string, st tier.Stamp, p *page.Page[V]) {
	id := p.ID
	l, _, err := e.tier.LockPages(ctx, []trie.Key{id})
	if err != nil {
		if errors.Is(err, lockstore.ErrLocked) {
			e.hooks.PersistSkipped(id, SkipBusy)
			return
		}
		e.hooks.PersistFailed(id, err)
		e.log.Warn("page lock for write-back failed", pageFields(op, id, err))
		return
	}
	if l.Epoch() != st.Epoch || l.Gen(id) != st.Gens[id] {
		e.hooks.PersistSkipped(id, SkipGenMoved)
		if err := e.tier.Release(ctx, l); err != nil {
			e.unlockFailure(op, 1, err)
		}
		return
	}
	gens, err := e.tier.Bump(ctx, l)
	if err != nil {
		e.hooks.PersistFailed(id, err)
		if rerr := e.tier.Release(ctx, l); rerr != nil {
			e.unlockFailure(op, 1, rerr)
		}
		return
	}
	p.Gen, p.Epoch = gens[id], l.Epoch()
	e.local.put(p)
	if err := e.tier.WritePages(ctx, l, []*page.Page[V]{p}); err != nil {
		e.local.del(id)
		e.hooks.PersistFailed(id, err)
		e.log.Warn("page write-back failed; flushing", pageFields(op, id, err))
		if ferr := e.tier.FlushPages(ctx, l, []trie.Key{id}); ferr != nil {
			e.unlockFailure(op, 1, ferr)
		}
	}
}

func (e *engine[V]) unlockFailure(op string, pages int, err error) {
	e.hooks.UnlockFailure(op, pages, err)
	e.log.Error("pages left locked until lock expiry", Fields{"op": op, "pages": pages, "err": err})
}
