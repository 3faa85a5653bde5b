package triecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/genstore"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	pr "github.com/unkn0wn-root/triecache/provider"
	"github.com/unkn0wn-root/triecache/store"
	"github.com/unkn0wn-root/triecache/store/memstore"
	"github.com/unkn0wn-root/triecache/tier"
	"github.com/unkn0wn-root/triecache/trie"
)

type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[key]
	return b, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = append([]byte(nil), value...)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) wipe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.m)
}

var errForced = errors.New("forced failure")

// faultStore fails inserts or turns commits into rollbacks on demand.
type faultStore struct {
	*memstore.Store[string]
	failInsert bool
	failCommit bool
}

func (s *faultStore) InsertMulti(ctx context.Context, rows []trie.Row[string]) error {
	if s.failInsert {
		return errForced
	}
	return s.Store.InsertMulti(ctx, rows)
}

func (s *faultStore) Begin(ctx context.Context) (store.Tx[string], error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil || !s.failCommit {
		return tx, err
	}
	return rollbackTx{tx}, nil
}

type rollbackTx struct{ store.Tx[string] }

func (t rollbackTx) Commit() error {
	_ = t.Tx.Rollback()
	return errForced
}

// faultTier fails selected tier calls on demand. A non-nil bumpBudget lets
// that many Bump calls through before failing the rest.
type faultTier struct {
	*tier.Cache[string]
	failWrite   bool
	failFlush   bool
	failFlushNS bool
	failRelease bool
	bumpBudget  *int
}

func (t *faultTier) Bump(ctx context.Context, l *tier.Lease) (map[trie.Key]uint64, error) {
	if t.bumpBudget != nil {
		if *t.bumpBudget == 0 {
			return nil, errForced
		}
		*t.bumpBudget--
	}
	return t.Cache.Bump(ctx, l)
}

func (t *faultTier) WritePages(ctx context.Context, l *tier.Lease, pages []*page.Page[string]) error {
	if t.failWrite {
		return errForced
	}
	return t.Cache.WritePages(ctx, l, pages)
}

func (t *faultTier) FlushPages(ctx context.Context, l *tier.Lease, ids []trie.Key) error {
	if t.failFlush {
		return errForced
	}
	return t.Cache.FlushPages(ctx, l, ids)
}

func (t *faultTier) FlushNamespace(ctx context.Context, l *tier.Lease) error {
	if t.failFlushNS {
		return errForced
	}
	return t.Cache.FlushNamespace(ctx, l)
}

func (t *faultTier) Release(ctx context.Context, l *tier.Lease) error {
	if t.failRelease {
		return errForced
	}
	return t.Cache.Release(ctx, l)
}

type recHooks struct {
	NopHooks
	mu       sync.Mutex
	fetches  int
	failed   int
	unlocks  []string
	heals    []string
	skipped  []string
	flushed  []string
	rejected []string
}

func (h *recHooks) StoreFetch(int, int) {
	h.mu.Lock()
	h.fetches++
	h.mu.Unlock()
}

func (h *recHooks) PersistFailed(trie.Key, error) {
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

func (h *recHooks) UnlockFailure(op string, _ int, _ error) {
	h.mu.Lock()
	h.unlocks = append(h.unlocks, op)
	h.mu.Unlock()
}

func (h *recHooks) PageSelfHeal(_ trie.Key, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

func (h *recHooks) PersistSkipped(_ trie.Key, reason string) {
	h.mu.Lock()
	h.skipped = append(h.skipped, reason)
	h.mu.Unlock()
}

func (h *recHooks) NamespaceFlushed(op string) {
	h.mu.Lock()
	h.flushed = append(h.flushed, op)
	h.mu.Unlock()
}

func (h *recHooks) UnboundedRejected(op string) {
	h.mu.Lock()
	h.rejected = append(h.rejected, op)
	h.mu.Unlock()
}

func (h *recHooks) fetchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches
}

func testLevels() []trie.Level {
	return []trie.Level{
		{Name: "page", Kind: trie.KindString, Rule: "nonblank"},
		{Name: "l4", Kind: trie.KindString},
		{Name: "l3", Kind: trie.KindString},
		{Name: "l2", Kind: trie.KindString},
		{Name: "l1", Kind: trie.KindInt, Rule: "min=0"},
	}
}

type fixture struct {
	eng   *engine[string]
	store *faultStore
	mp    *memProvider
	tier  *tier.Cache[string]
	fault *faultTier
	hooks *recHooks
	opts  Options[string]
}

func newFixture(t *testing.T, mod func(*Options[string])) *fixture {
	t.Helper()
	f := &fixture{
		store: &faultStore{Store: memstore.New[string](5)},
		mp:    newMemProvider(),
		hooks: &recHooks{},
	}
	tc, err := tier.New(tier.Options[string]{
		Namespace:  "test",
		Provider:   f.mp,
		Codec:      codec.Msgpack[page.Image[string]]{},
		Gens:       genstore.NewLocal(time.Hour, 48*time.Hour),
		Locks:      lockstore.NewLocal(),
		Depth:      4,
		TTL:        time.Minute,
		OnSelfHeal: f.hooks.PageSelfHeal,
	})
	require.NoError(t, err)
	f.tier = tc
	f.fault = &faultTier{Cache: tc}
	f.opts = Options[string]{
		Namespace: "test",
		Levels:    testLevels(),
		Store:     f.store,
		Tier:      f.fault,
		Hooks:     f.hooks,
	}
	if mod != nil {
		mod(&f.opts)
	}
	f.eng, err = newEngine(f.opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.eng.Close(context.Background()) })
	return f
}

// peer is a second engine sharing the store and the persistent tier, with
// its own process cache: another process.
func (f *fixture) peer(t *testing.T) *engine[string] {
	t.Helper()
	e, err := newEngine(f.opts)
	require.NoError(t, err)
	return e
}

// unlocked fails the test when any of ids is still locked in the tier.
func (f *fixture) unlocked(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	keys := make([]trie.Key, len(ids))
	for i, id := range ids {
		keys[i] = trie.Str(id)
	}
	lease, _, err := f.tier.LockPages(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, f.tier.Release(ctx, lease))
}

// image reads the persistent copy of a page as a fresh reader would.
func (f *fixture) image(t *testing.T, id string) (*page.Page[string], bool) {
	t.Helper()
	ctx := context.Background()
	k := trie.Str(id)
	st, err := f.tier.Stamp(ctx, []trie.Key{k})
	require.NoError(t, err)
	imgs, err := f.tier.ReadPages(ctx, st, []trie.Key{k})
	require.NoError(t, err)
	pg, ok := imgs[k]
	return pg, ok
}

func p(keys ...any) trie.Path {
	out := make([]trie.Key, 0, len(keys))
	for _, k := range keys {
		switch v := k.(type) {
		case int:
			out = append(out, trie.Int(int64(v)))
		case string:
			out = append(out, trie.Str(v))
		}
	}
	return trie.NewPath(out...)
}

func row(v string, keys ...any) trie.Row[string] { return trie.Row[string]{Path: p(keys...), Value: v} }

func sel(paths ...trie.Path) *trie.Selector { return trie.Loft(paths) }

func leaf(t *testing.T, n *trie.Node[string], path trie.Path) string {
	t.Helper()
	v, ok := n.Get(path).Value()
	require.True(t, ok, "no leaf at %s", path)
	return v
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rows := []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("y", "P1", "A", "B", "C", 2),
		row("z", "P2", "A", "B", "C", 1),
	}
	n, err := f.eng.SetMulti(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, ok, err := f.eng.GetRows(ctx, []trie.Path{rows[0].Path, rows[2].Path})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []trie.Row[string]{rows[0], rows[2]}, got)
	require.Zero(t, f.hooks.fetchCount(), "written leaves are served from the process cache")

	// Drop both cache tiers: the next read must come from the store.
	f.mp.wipe()
	f.eng.local.clear()
	got, ok, err = f.eng.GetRows(ctx, []trie.Path{rows[0].Path, rows[1].Path})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rows[:2], got)
	require.Equal(t, 1, f.hooks.fetchCount())
}

func TestBoundedProcessCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options[string]) { o.LocalMaxPages = 2 })
	_, ok := f.eng.local.(*ristrettoLocal[string])
	require.True(t, ok)

	var rows []trie.Row[string]
	for i, id := range []string{"P1", "P2", "P3", "P4"} {
		rows = append(rows, row(id, id, "A", "B", "C", i))
	}
	_, err := f.eng.SetMulti(ctx, rows[:1])
	require.NoError(t, err)
	cached, ok := f.eng.local.get(trie.Str("P1"))
	require.True(t, ok, "a page within the bound stays in the process cache")
	require.Equal(t, 1, cached.Keys.Count())

	_, err = f.eng.SetMulti(ctx, rows[1:])
	require.NoError(t, err)

	// Pages evicted from the process cache still come back from the tier.
	got, ok, err := f.eng.GetRows(ctx, []trie.Path{rows[0].Path, rows[1].Path, rows[2].Path, rows[3].Path})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rows, got)
	require.Zero(t, f.hooks.fetchCount())
}

func TestReadGrantsAuthorityAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("y", "P1", "A", "Z", "C", 1),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n, ok, err := f.eng.GetMulti(ctx, sel(p("P1", "A")))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "x", leaf(t, n, p("P1", "A", "B", "C", 1)))
		require.Equal(t, "y", leaf(t, n, p("P1", "A", "Z", "C", 1)))
	}
	require.Equal(t, 1, f.hooks.fetchCount(), "second read answered by authority")

	img, ok := f.image(t, "P1")
	require.True(t, ok)
	require.True(t, img.HasAuthority(p("A")))

	// A fresh process finds the page in the persistent tier.
	other := f.peer(t)
	_, ok, err = other.GetMulti(ctx, sel(p("P1", "A", "Z")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.hooks.fetchCount())
}

func TestPeerWriteInvalidatesProcessCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1", "A")))
	require.NoError(t, err)
	fetches := f.hooks.fetchCount()

	other := f.peer(t)
	_, err = other.SetMulti(ctx, []trie.Row[string]{row("w", "P1", "A", "B", "C", 2)})
	require.NoError(t, err)

	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1", "A")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "w", leaf(t, n, p("P1", "A", "B", "C", 2)))
	require.Contains(t, f.hooks.heals, HealLocalStale)
	require.Equal(t, fetches, f.hooks.fetchCount(), "peer image carries the authority")
}

func TestAddMultiCollisionIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.AddMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)

	_, err = f.eng.AddMulti(ctx, []trie.Row[string]{
		row("new", "P1", "A", "B", "C", 2),
		row("dup", "P1", "A", "B", "C", 1),
	})
	require.ErrorIs(t, err, StoreWriteError)
	require.ErrorIs(t, err, store.ErrCollision)
	require.Equal(t, 1, f.store.Len())

	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, n.Count())
	require.Equal(t, "x", leaf(t, n, p("P1", "A", "B", "C", 1)))

	// Locks were released: the non-colliding row can still go in.
	added, err := f.eng.AddMulti(ctx, []trie.Row[string]{row("new", "P1", "A", "B", "C", 2)})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}

func TestStoreFailureKeepsPersistentPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)
	fetches := f.hooks.fetchCount()

	f.store.failInsert = true
	_, err = f.eng.AddMulti(ctx, []trie.Row[string]{row("y", "P1", "A", "B", "C", 2)})
	require.ErrorIs(t, err, StoreWriteError)
	require.ErrorIs(t, err, errForced)

	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, n.Count())
	require.Equal(t, fetches, f.hooks.fetchCount(), "restored image is trusted")
}

func TestUniversalGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("y", "P2", "A", "B", "C", 1),
	})
	require.NoError(t, err)

	_, _, err = f.eng.GetMulti(ctx, trie.NewBranch[struct{}]())
	require.ErrorIs(t, err, UnboundedQueryError)
	_, err = f.eng.DropMulti(ctx, nil)
	require.ErrorIs(t, err, UnboundedQueryError)
	_, _, err = f.eng.GetRows(ctx, nil)
	require.ErrorIs(t, err, UnboundedQueryError)
	require.Equal(t, []string{"GetMulti", "DropMulti", "GetRows"}, f.hooks.rejected)
	require.Equal(t, 2, f.store.Len())

	n, ok, err := f.eng.GetMulti(ctx, nil, AllowUnbounded())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, n.Count())

	dropped, err := f.eng.DropMulti(ctx, trie.Mark(), AllowUnbounded())
	require.NoError(t, err)
	require.EqualValues(t, 2, dropped)
	require.Zero(t, f.store.Len())
	require.Equal(t, []string{"DropMulti"}, f.hooks.flushed)

	_, ok, err = f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceIsAtomicUnderRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("old1", "P1", "A", "B", "C", 1),
		row("old2", "P1", "A", "B", "D", 1),
		row("keep", "P1", "A", "Z", "C", 1),
	})
	require.NoError(t, err)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1")))
	require.NoError(t, err)

	sub := trie.NewBranch[string]()
	sub.SetLeaf(p("E", 7), "new")

	f.store.failCommit = true
	_, err = f.eng.ReplaceMulti(ctx, []Replacement[string]{{Prefix: p("P1", "A", "B"), Subtree: sub}})
	require.ErrorIs(t, err, StoreTransactionError)

	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1", "A", "B")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, n.Count())
	require.Equal(t, "old1", leaf(t, n, p("P1", "A", "B", "C", 1)))

	f.store.failCommit = false
	written, err := f.eng.ReplaceMulti(ctx, []Replacement[string]{{Prefix: p("P1", "A", "B"), Subtree: sub}})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	n, ok, err = f.eng.GetMulti(ctx, sel(p("P1", "A", "B")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []trie.Row[string]{row("new", "P1", "A", "B", "E", 7)}, trie.Flatten(n, trie.Path{}))

	img, present := f.image(t, "P1")
	require.True(t, present)
	require.True(t, img.AllCached, "page authority survives a replace below it")

	rows, err := f.store.Select(ctx, sel(p("P1")))
	require.NoError(t, err)
	require.Equal(t, []trie.Row[string]{row("new", "P1", "A", "B", "E", 7), row("keep", "P1", "A", "Z", "C", 1)}, rows)
}

func TestReplaceWithEmptySubtreeDropsPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)

	_, err = f.eng.ReplaceMulti(ctx, []Replacement[string]{{Prefix: p("P1", "A")}})
	require.NoError(t, err)
	require.Zero(t, f.store.Len())
	_, present := f.image(t, "P1")
	require.False(t, present, "dead page is flushed")
}

func TestDropLevelScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	l3, err := f.eng.Level(3)
	require.NoError(t, err)
	l4, err := f.eng.Level(4)
	require.NoError(t, err)

	_, err = f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	got, ok, err := l3.GetOne(ctx, p("P1", "A"), trie.Str("B"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", leaf(t, got, p("C", 1)))
	img, present := f.image(t, "P1")
	require.True(t, present)
	require.True(t, img.HasAuthority(p("A", "B")))

	dropped, err := l3.Drop(ctx, p("P1", "A"), []trie.Key{trie.Str("B")})
	require.NoError(t, err)
	require.EqualValues(t, 1, dropped)
	_, present = f.image(t, "P1")
	require.False(t, present)
	_, cached := f.eng.local.get(trie.Str("P1"))
	require.False(t, cached)

	got, ok, err = l4.GetOne(ctx, p("P1"), trie.Str("A"))
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, got.Empty())

	_, present = f.image(t, "P1")
	require.False(t, present, "a dead page has no image")
}

func TestDropPrunesAuthorityOnLivePage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	l3, err := f.eng.Level(3)
	require.NoError(t, err)

	_, err = f.eng.SetMulti(ctx, []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("y", "P1", "A", "Z", "C", 1),
	})
	require.NoError(t, err)
	_, _, err = l3.Get(ctx, p("P1", "A"), []trie.Key{trie.Str("B")})
	require.NoError(t, err)

	_, err = l3.Drop(ctx, p("P1", "A"), []trie.Key{trie.Str("B")})
	require.NoError(t, err)

	img, present := f.image(t, "P1")
	require.True(t, present)
	require.False(t, img.HasAuthority(p("A", "B")))
	require.Nil(t, img.Keys.Get(p("A", "B")))
	require.Equal(t, 1, img.Keys.Count())
}

func TestBatchConflictPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("a", "P1", "A", "B", "C", 1),
		row("b", "P1", "A", "B", "C", 1),
	})
	require.ErrorIs(t, err, ValidationError)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, p("P1", "A", "B", "C", 1), te.Path)
	require.Zero(t, f.store.Len())

	n, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("a", "P1", "A", "B", "C", 1),
		row("a", "P1", "A", "B", "C", 1),
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lw := newFixture(t, func(o *Options[string]) { o.BatchConflict = trie.ConflictLastWins })
	_, err = lw.eng.SetMulti(ctx, []trie.Row[string]{
		row("a", "P1", "A", "B", "C", 1),
		row("b", "P1", "A", "B", "C", 1),
	})
	require.NoError(t, err)
	got, _, err := lw.eng.GetRows(ctx, []trie.Path{p("P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	require.Equal(t, "b", got[0].Value)
}

func TestValidationHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("x", "P1", "A", "B", "C", "not-an-int"),
	})
	require.ErrorIs(t, err, ValidationError)
	_, err = f.eng.AddMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B")})
	require.ErrorIs(t, err, ValidationError)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1", "A", "B", "C", 1, 2)))
	require.ErrorIs(t, err, ValidationError)
	_, err = f.eng.DropGlobal(ctx, 1, []trie.Key{trie.Str("x")})
	require.ErrorIs(t, err, ValidationError)
	require.Zero(t, f.store.Len())

	// No lock was left behind.
	lease, _, err := f.tier.LockPages(ctx, []trie.Key{trie.Str("P1")})
	require.NoError(t, err)
	require.NoError(t, f.tier.Release(ctx, lease))
}

func TestLockedPageRejectsWritesAndSkipsPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)

	lease, _, err := f.tier.LockPages(ctx, []trie.Key{trie.Str("P1")})
	require.NoError(t, err)

	_, err = f.eng.SetMulti(ctx, []trie.Row[string]{row("y", "P1", "A", "B", "C", 1)})
	require.ErrorIs(t, err, CacheLockError)
	require.ErrorIs(t, err, lockstore.ErrLocked)

	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1", "A")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", leaf(t, n, p("P1", "A", "B", "C", 1)))
	require.Contains(t, f.hooks.skipped, SkipLocked)
	require.NotContains(t, f.hooks.heals, HealLocalStale)
	cached, ok := f.eng.local.get(trie.Str("P1"))
	require.True(t, ok, "a current copy survives a locked read")

	require.NoError(t, f.tier.Release(ctx, lease))
	fetches := f.hooks.fetchCount()
	_, ok, err = f.eng.GetMulti(ctx, sel(p("P1", "A", "B", "C", 1)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fetches, f.hooks.fetchCount())
	again, _ := f.eng.local.get(trie.Str("P1"))
	require.Same(t, cached, again)

	_, err = f.eng.SetMulti(ctx, []trie.Row[string]{row("y", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
}

func TestDropGlobalFlushesNamespace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{
		row("x", "P1", "A", "B", "C", 1),
		row("y", "P1", "A", "B", "D", 1),
		row("z", "P2", "Q", "R", "C", 5),
	})
	require.NoError(t, err)
	_, _, err = f.eng.GetMulti(ctx, sel(p("P1"), p("P2")))
	require.NoError(t, err)

	n, err := f.eng.DropGlobal(ctx, 2, []trie.Key{trie.Str("C")})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, []string{"DropGlobal"}, f.hooks.flushed)

	got, ok, err := f.eng.GetRows(ctx, []trie.Path{p("P1"), p("P2")})
	require.NoError(t, err)
	require.False(t, ok, "P2 is gone")
	require.Equal(t, []trie.Row[string]{row("y", "P1", "A", "B", "D", 1)}, got)

	require.NoError(t, f.eng.DropAll(ctx))
	require.Zero(t, f.store.Len())
	_, present := f.image(t, "P1")
	require.False(t, present)
}

func TestNamespaceFlushFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)

	f.fault.failFlushNS = true
	_, err = f.eng.DropGlobal(ctx, 1, []trie.Key{trie.Int(1)})
	require.ErrorIs(t, err, CacheFlushError)
	require.ErrorIs(t, err, errForced)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.True(t, te.Committed)
	require.Zero(t, f.store.Len())
	require.Empty(t, f.hooks.unlocks)
	f.unlocked(t, "P1")

	// The lock itself cannot be dropped: the caller is told it is stuck.
	f.fault.failRelease = true
	err = f.eng.DropAll(ctx)
	require.ErrorIs(t, err, UnlockAfterFailureError)
	require.ErrorAs(t, err, &te)
	require.True(t, te.Committed)
	require.Equal(t, []string{"DropAll"}, f.hooks.unlocks)
	_, _, err = f.tier.LockPages(ctx, []trie.Key{trie.Str("P1")})
	require.ErrorIs(t, err, lockstore.ErrLocked)
}

func TestAbortFlushFailureEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)

	f.store.failInsert = true
	f.fault.failWrite = true
	f.fault.failFlush = true
	_, err = f.eng.AddMulti(ctx, []trie.Row[string]{row("y", "P1", "A", "B", "C", 2)})
	require.ErrorIs(t, err, UnlockAfterFailureError)
	require.ErrorIs(t, err, StoreWriteError)
	require.ErrorIs(t, err, errForced)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.False(t, te.Committed)
	require.NotNil(t, te.Secondary)
	require.Equal(t, []string{"AddMulti"}, f.hooks.unlocks)

	// The page stays locked until the lock expires.
	_, _, err = f.tier.LockPages(ctx, []trie.Key{trie.Str("P1")})
	require.ErrorIs(t, err, lockstore.ErrLocked)
}

func TestTierFailureAfterCommitFlushesPages(t *testing.T) {
	cases := []struct {
		name string
		arm  func(ft *faultTier)
	}{
		{"write", func(ft *faultTier) { ft.failWrite = true }},
		{"commit bump", func(ft *faultTier) {
			budget := 1
			ft.bumpBudget = &budget
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, nil)
			_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
			require.NoError(t, err)

			tc.arm(f.fault)
			_, err = f.eng.SetMulti(ctx, []trie.Row[string]{row("y", "P1", "A", "B", "C", 1)})
			require.ErrorIs(t, err, CacheWriteError)
			var te *Error
			require.ErrorAs(t, err, &te)
			require.True(t, te.Committed)

			_, cached := f.eng.local.get(trie.Str("P1"))
			require.False(t, cached)
			_, present := f.image(t, "P1")
			require.False(t, present)
			f.unlocked(t, "P1")

			*f.fault = faultTier{Cache: f.tier}
			got, ok, err := f.eng.GetRows(ctx, []trie.Path{p("P1", "A", "B", "C", 1)})
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "y", got[0].Value)
		})
	}
}

func TestReadWriteBackFailureFlushesPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	f.mp.wipe()
	f.eng.local.clear()

	f.fault.failWrite = true
	n, ok, err := f.eng.GetMulti(ctx, sel(p("P1", "A")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", leaf(t, n, p("P1", "A", "B", "C", 1)))
	require.Equal(t, 1, f.hooks.failed)

	_, cached := f.eng.local.get(trie.Str("P1"))
	require.False(t, cached)
	_, present := f.image(t, "P1")
	require.False(t, present)
	f.unlocked(t, "P1")
}

func TestLevelViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options[string]) { o.ExposedLevels = []int{1, 5} })

	_, err := f.eng.Level(3)
	require.ErrorIs(t, err, ValidationError)

	l1, err := f.eng.Level(1)
	require.NoError(t, err)
	_, err = l1.Set(ctx, p("P1", "A"), []Entry[string]{{Key: trie.Int(1), Node: trie.Leaf("x")}})
	require.ErrorIs(t, err, ValidationError, "level 1 needs four ancestors")

	anc := p("P1", "A", "B", "C")
	_, err = l1.Add(ctx, anc, []Entry[string]{
		{Key: trie.Int(1), Node: trie.Leaf("x")},
		{Key: trie.Int(2), Node: trie.Leaf("y")},
	})
	require.NoError(t, err)
	one, ok, err := l1.GetOne(ctx, anc, trie.Int(2))
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := one.Value()
	require.Equal(t, "y", v)

	page5, err := f.eng.Level(5)
	require.NoError(t, err)
	require.Equal(t, "page", page5.Name())
	sub := trie.NewBranch[string]()
	sub.SetLeaf(p("A", "B", "C", 9), "only")
	_, err = page5.Replace(ctx, trie.Path{}, []Entry[string]{{Key: trie.Str("P1"), Node: sub}})
	require.NoError(t, err)

	all, ok, err := page5.Get(ctx, trie.Path{}, []trie.Key{trie.Str("P1")})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, all.Count())

	_, err = page5.Drop(ctx, trie.Path{}, nil)
	require.ErrorIs(t, err, UnboundedQueryError)
	n, err := page5.Drop(ctx, trie.Path{}, []trie.Key{trie.Str("P1")})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDisabledEngineUsesStoreOnly(t *testing.T) {
	ctx := context.Background()
	st := memstore.New[string](5)
	e, err := New(Options[string]{Namespace: "off", Levels: testLevels(), Store: st, Disabled: true})
	require.NoError(t, err)
	require.False(t, e.Enabled())

	_, err = e.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.NoError(t, err)
	n, ok, err := e.GetMulti(ctx, sel(p("P1", "A")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", leaf(t, n, p("P1", "A", "B", "C", 1)))
	require.NoError(t, e.DropAll(ctx))
	require.Zero(t, st.Len())
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Close(ctx))
	require.NoError(t, f.eng.Close(ctx))

	_, _, err := f.eng.GetMulti(ctx, sel(p("P1")))
	require.ErrorIs(t, err, NotInitialized)
	_, err = f.eng.SetMulti(ctx, []trie.Row[string]{row("x", "P1", "A", "B", "C", 1)})
	require.ErrorIs(t, err, NotInitialized)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options[string]{Namespace: "x", Levels: testLevels()})
	require.ErrorIs(t, err, NotInitialized)

	_, err = New(Options[string]{Namespace: "x", Levels: testLevels(), Store: memstore.New[string](5)})
	require.Error(t, err, "provider is required")

	_, err = New(Options[string]{Namespace: "x", Levels: testLevels()[:1], Store: memstore.New[string](1)})
	require.ErrorIs(t, err, ValidationError)
}

func TestErrorFormatting(t *testing.T) {
	err := escalate("AddMulti", errForced, errors.New("flush failed"), true)
	require.ErrorIs(t, err, UnlockAfterFailureError)
	require.ErrorIs(t, err, errForced)
	require.Contains(t, err.Error(), "store committed")
	require.Contains(t, err.Error(), "cleanup: flush failed")
}
