package tier

import (
	"context"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/internal/util"
	"github.com/unkn0wn-root/triecache/internal/wire"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/trie"
)

// Lease is a set of locks taken by one operation. Page leases track the
// epoch and page generations seen while the locks were held.
type Lease struct {
	owner     string
	epoch     uint64
	gens      map[trie.Key]uint64
	held      map[trie.Key]bool
	namespace bool
}

func (l *Lease) Epoch() uint64          { return l.epoch }
func (l *Lease) Gen(id trie.Key) uint64 { return l.gens[id] }
func (l *Lease) Holds(id trie.Key) bool { return l.held[id] }
func (l *Lease) Namespace() bool        { return l.namespace }

// IDs lists pages still held, in key order.
func (l *Lease) IDs() []trie.Key {
	out := slices.Collect(maps.Keys(l.held))
	slices.SortFunc(out, trie.Key.Compare)
	return out
}

func (l *Lease) drop(ids []trie.Key) {
	for _, id := range ids {
		delete(l.held, id)
	}
}

func lockKeys(ids []trie.Key) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = util.LockKey(util.PageID(id))
	}
	return out
}

func genKeys(ids []trie.Key) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = util.GenKey(util.PageID(id))
	}
	return out
}

// LockPages locks every id or none. It fails with lockstore.ErrLocked while
// any page or the namespace is locked. The returned images are the ones still
// valid under the lease; pages without one are absent.
func (c *Cache[V]) LockPages(ctx context.Context, ids []trie.Key) (*Lease, map[trie.Key]*page.Page[V], error) {
	l := &Lease{owner: lockstore.NewOwner(), gens: make(map[trie.Key]uint64, len(ids)), held: make(map[trie.Key]bool, len(ids))}
	keys := lockKeys(ids)
	if err := c.locks.Acquire(ctx, keys, l.owner, c.lockTTL); err != nil {
		return nil, nil, errors.Wrap(err, "tier: lock pages")
	}
	for _, id := range ids {
		l.held[id] = true
	}
	fail := func(err error) (*Lease, map[trie.Key]*page.Page[V], error) {
		return nil, nil, errors.CombineErrors(err, c.locks.Release(ctx, keys, l.owner))
	}

	held, err := c.locks.Held(ctx, []string{util.NamespaceLockKey})
	if err != nil {
		return fail(errors.Wrap(err, "tier: check namespace lock"))
	}
	if held[util.NamespaceLockKey] {
		return fail(errors.Wrap(&lockstore.LockedError{Key: util.NamespaceLockKey}, "tier: lock pages"))
	}

	gk := append([]string{util.EpochKey}, genKeys(ids)...)
	gens, err := c.gens.SnapshotMany(ctx, gk)
	if err != nil {
		return fail(errors.Wrap(err, "tier: lease gens"))
	}
	l.epoch = gens[util.EpochKey]
	for i, id := range ids {
		l.gens[id] = gens[gk[i+1]]
	}

	images, err := c.load(ctx, l.epoch, l.gens, ids)
	if err != nil {
		return fail(err)
	}
	return l, images, nil
}

// Bump advances the generation of every page held by l. Images written
// before the bump stop being trusted.
func (c *Cache[V]) Bump(ctx context.Context, l *Lease) (map[trie.Key]uint64, error) {
	ids := l.IDs()
	if len(ids) == 0 {
		return map[trie.Key]uint64{}, nil
	}
	gk := genKeys(ids)
	gens, err := c.gens.BumpMany(ctx, gk)
	if err != nil {
		return nil, errors.Wrap(err, "tier: bump")
	}
	out := make(map[trie.Key]uint64, len(ids))
	for i, id := range ids {
		l.gens[id] = gens[gk[i]]
		out[id] = gens[gk[i]]
	}
	return out, nil
}

// WritePages stores the images of pages framed with the lease epoch and
// generations, then releases their locks. Pages are not modified. On error
// nothing is released; the caller must flush.
func (c *Cache[V]) WritePages(ctx context.Context, l *Lease, pages []*page.Page[V]) error {
	ids := make([]trie.Key, 0, len(pages))
	for _, p := range pages {
		if !l.held[p.ID] {
			return errors.Wrapf(ErrLeaseDone, "tier: write %s", p.ID)
		}
		b, err := c.codec.Encode(p.Image())
		if err != nil {
			return errors.Wrapf(err, "tier: encode %s", p.ID)
		}
		framed, err := wire.EncodePage(wire.Frame{Epoch: l.epoch, Gen: l.gens[p.ID], Payload: b})
		if err != nil {
			return errors.Wrapf(err, "tier: frame %s", p.ID)
		}
		key := util.ImageKey(c.ns, l.epoch, util.PageID(p.ID))
		// ok=false leaves the previous image, which the bump already outdated.
		if _, err := c.p.Set(ctx, key, framed, c.cost(key, framed), c.ttl); err != nil {
			return errors.Wrapf(err, "tier: write %s", p.ID)
		}
		ids = append(ids, p.ID)
	}
	if err := c.locks.Release(ctx, lockKeys(ids), l.owner); err != nil {
		return errors.Wrap(err, "tier: release after write")
	}
	l.drop(ids)
	return nil
}

// FlushPages discards ids: bump, delete the images, release the locks.
func (c *Cache[V]) FlushPages(ctx context.Context, l *Lease, ids []trie.Key) error {
	if len(ids) == 0 {
		return nil
	}
	gk := genKeys(ids)
	gens, err := c.gens.BumpMany(ctx, gk)
	if err != nil {
		return errors.Wrap(err, "tier: flush bump")
	}
	for i, id := range ids {
		l.gens[id] = gens[gk[i]]
		if err := c.p.Del(ctx, util.ImageKey(c.ns, l.epoch, util.PageID(id))); err != nil {
			return errors.Wrapf(err, "tier: flush %s", id)
		}
	}
	if err := c.locks.Release(ctx, lockKeys(ids), l.owner); err != nil {
		return errors.Wrap(err, "tier: release after flush")
	}
	l.drop(ids)
	return nil
}

// Release drops every lock still held by l without touching images.
func (c *Cache[V]) Release(ctx context.Context, l *Lease) error {
	if l.namespace {
		if err := c.locks.Release(ctx, []string{util.NamespaceLockKey}, l.owner); err != nil {
			return errors.Wrap(err, "tier: release namespace")
		}
		l.namespace = false
		return nil
	}
	ids := l.IDs()
	if len(ids) == 0 {
		return nil
	}
	if err := c.locks.Release(ctx, lockKeys(ids), l.owner); err != nil {
		return errors.Wrap(err, "tier: release")
	}
	l.drop(ids)
	return nil
}

// LockNamespace takes the namespace lock and bumps the epoch, so no image
// written under the old epoch is trusted again.
func (c *Cache[V]) LockNamespace(ctx context.Context) (*Lease, error) {
	l := &Lease{owner: lockstore.NewOwner(), namespace: true}
	if err := c.locks.Acquire(ctx, []string{util.NamespaceLockKey}, l.owner, c.lockTTL); err != nil {
		return nil, errors.Wrap(err, "tier: lock namespace")
	}
	epoch, err := c.gens.Bump(ctx, util.EpochKey)
	if err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "tier: bump epoch"), c.Release(ctx, l))
	}
	l.epoch = epoch
	return l, nil
}

// FlushNamespace bumps the epoch once more, orphaning anything written while
// the lock was held, and releases the namespace lock.
func (c *Cache[V]) FlushNamespace(ctx context.Context, l *Lease) error {
	if !l.namespace {
		return errors.Wrap(ErrLeaseDone, "tier: flush namespace")
	}
	epoch, err := c.gens.Bump(ctx, util.EpochKey)
	if err != nil {
		return errors.Wrap(err, "tier: flush namespace")
	}
	l.epoch = epoch
	return c.Release(ctx, l)
}
