// Package tier is the persistent, shared cache tier: page images in a
// provider, validated by page generations and a namespace epoch, guarded by
// page and namespace locks.
//
// Protocol, per page:
//
//	reader:  Stamp -> ReadPages -> (store read) -> LockPages -> Bump -> WritePages
//	writer:  LockPages -> Bump -> (store write) -> Bump -> WritePages | FlushPages
//
// An image is trusted only when its frame carries the current namespace epoch
// and page generation, and the page is not locked. Every lease ends in
// WritePages, FlushPages or Release.
package tier

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/genstore"
	"github.com/unkn0wn-root/triecache/internal/util"
	"github.com/unkn0wn-root/triecache/internal/wire"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/provider"
	"github.com/unkn0wn-root/triecache/trie"
)

// Self-heal reasons passed to Options.OnSelfHeal.
const (
	HealCorrupt = "corrupt"
	HealStale   = "stale"
)

var ErrLeaseDone = errors.New("tier: lease already finished")

type Options[V any] struct {
	Namespace string
	Provider  provider.Provider
	Codec     codec.Codec[page.Image[V]]
	Gens      genstore.GenStore
	Locks     lockstore.LockStore
	// Depth is the number of levels below the page key.
	Depth   int
	TTL     time.Duration
	LockTTL time.Duration
	// Cost sizes a Set for cost-aware providers; defaults to len(b).
	Cost func(key string, b []byte) int64
	// OnSelfHeal is told about every image deleted as corrupt or stale.
	OnSelfHeal func(id trie.Key, reason string)
}

type Cache[V any] struct {
	ns      string
	p       provider.Provider
	codec   codec.Codec[page.Image[V]]
	gens    genstore.GenStore
	locks   lockstore.LockStore
	depth   int
	ttl     time.Duration
	lockTTL time.Duration
	cost    func(string, []byte) int64
	heal    func(trie.Key, string)
}

func New[V any](opts Options[V]) (*Cache[V], error) {
	switch {
	case opts.Namespace == "":
		return nil, errors.New("tier: namespace is required")
	case opts.Provider == nil:
		return nil, errors.New("tier: provider is required")
	case opts.Codec == nil:
		return nil, errors.New("tier: codec is required")
	case opts.Gens == nil:
		return nil, errors.New("tier: gen store is required")
	case opts.Locks == nil:
		return nil, errors.New("tier: lock store is required")
	case opts.Depth < 1:
		return nil, errors.Newf("tier: invalid depth %d", opts.Depth)
	}
	c := &Cache[V]{
		ns:      opts.Namespace,
		p:       opts.Provider,
		codec:   opts.Codec,
		gens:    opts.Gens,
		locks:   opts.Locks,
		depth:   opts.Depth,
		ttl:     opts.TTL,
		lockTTL: opts.LockTTL,
		cost:    opts.Cost,
		heal:    opts.OnSelfHeal,
	}
	if c.lockTTL <= 0 {
		c.lockTTL = 30 * time.Second
	}
	if c.cost == nil {
		c.cost = func(_ string, b []byte) int64 { return int64(len(b)) }
	}
	if c.heal == nil {
		c.heal = func(trie.Key, string) {}
	}
	return c, nil
}

// Close releases the provider, the gen store and the lock store.
func (c *Cache[V]) Close(ctx context.Context) error {
	return errors.CombineErrors(errors.CombineErrors(c.p.Close(ctx), c.gens.Close(ctx)), c.locks.Close(ctx))
}

// Stamp is what a reader observed before touching the store: the epoch, the
// generation of each page and which pages were locked.
type Stamp struct {
	Epoch           uint64
	Gens            map[trie.Key]uint64
	Locked          map[trie.Key]bool
	NamespaceLocked bool
}

// Trusted reports whether a copy of id at gen/epoch may be used.
func (s Stamp) Trusted(id trie.Key, gen, epoch uint64) bool {
	return s.Persistable(id) && s.Current(id, gen, epoch)
}

// Current reports whether a copy of id at gen/epoch matches what was
// observed, locked or not.
func (s Stamp) Current(id trie.Key, gen, epoch uint64) bool {
	return epoch == s.Epoch && gen == s.Gens[id]
}

// Persistable reports whether a reader may write id back after its store read.
func (s Stamp) Persistable(id trie.Key) bool {
	return !s.NamespaceLocked && !s.Locked[id]
}

func (c *Cache[V]) Stamp(ctx context.Context, ids []trie.Key) (Stamp, error) {
	gk := make([]string, 0, len(ids)+1)
	lk := make([]string, 0, len(ids)+1)
	gk = append(gk, util.EpochKey)
	lk = append(lk, util.NamespaceLockKey)
	for _, id := range ids {
		pid := util.PageID(id)
		gk = append(gk, util.GenKey(pid))
		lk = append(lk, util.LockKey(pid))
	}
	gens, err := c.gens.SnapshotMany(ctx, gk)
	if err != nil {
		return Stamp{}, errors.Wrap(err, "tier: stamp gens")
	}
	held, err := c.locks.Held(ctx, lk)
	if err != nil {
		return Stamp{}, errors.Wrap(err, "tier: stamp locks")
	}
	s := Stamp{
		Epoch:           gens[util.EpochKey],
		Gens:            make(map[trie.Key]uint64, len(ids)),
		Locked:          make(map[trie.Key]bool, len(ids)),
		NamespaceLocked: held[util.NamespaceLockKey],
	}
	for i, id := range ids {
		s.Gens[id] = gens[gk[i+1]]
		s.Locked[id] = held[lk[i+1]]
	}
	return s, nil
}

// ReadPages returns the trusted images among ids. Locked pages are skipped.
// Corrupt images and images older than the stamp are deleted.
func (c *Cache[V]) ReadPages(ctx context.Context, st Stamp, ids []trie.Key) (map[trie.Key]*page.Page[V], error) {
	want := make([]trie.Key, 0, len(ids))
	for _, id := range ids {
		if st.Persistable(id) {
			want = append(want, id)
		}
	}
	return c.load(ctx, st.Epoch, st.Gens, want)
}

func (c *Cache[V]) load(ctx context.Context, epoch uint64, gens map[trie.Key]uint64, ids []trie.Key) (map[trie.Key]*page.Page[V], error) {
	out := make(map[trie.Key]*page.Page[V], len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = util.ImageKey(c.ns, epoch, util.PageID(id))
	}
	raw, err := c.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		p, reason := c.decode(b, id, epoch, gens[id])
		switch reason {
		case "":
			out[id] = p
		case HealCorrupt, HealStale:
			_ = c.p.Del(ctx, keys[i])
			c.heal(id, reason)
		}
	}
	return out, nil
}

// newer marks an image written after the caller's view; it is left alone.
const newer = "newer"

func (c *Cache[V]) decode(b []byte, id trie.Key, epoch, gen uint64) (*page.Page[V], string) {
	f, err := wire.DecodePage(b)
	if err != nil || f.Epoch != epoch {
		return nil, HealCorrupt
	}
	if f.Gen < gen {
		return nil, HealStale
	}
	if f.Gen > gen {
		return nil, newer
	}
	img, err := c.codec.Decode(f.Payload)
	if err != nil {
		return nil, HealCorrupt
	}
	p, err := page.FromImage(img, c.depth)
	if err != nil || p.ID != id {
		return nil, HealCorrupt
	}
	p.Gen, p.Epoch = f.Gen, f.Epoch
	return p, ""
}

func (c *Cache[V]) fetch(ctx context.Context, keys []string) (map[string][]byte, error) {
	if mg, ok := c.p.(provider.MultiGetter); ok {
		m, err := mg.GetMany(ctx, keys)
		return m, errors.Wrap(err, "tier: get pages")
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, ok, err := c.p.Get(ctx, k)
		if err != nil {
			return nil, errors.Wrapf(err, "tier: get %s", k)
		}
		if ok {
			out[k] = b
		}
	}
	return out, nil
}
