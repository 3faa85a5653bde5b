// Package config loads an engine description from YAML and opens the
// persistent tier it names.
//
//	namespace: app:prod:prices
//	levels:
//	  - {name: region, kind: string, rule: nonblank}
//	  - {name: sku, kind: string}
//	  - {name: day, kind: int, rule: "min=0"}
//	ttl: 10m
//	tier:
//	  backend: redis
//	  redis: {addrs: ["localhost:6379"]}
package config

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/triecache"
	"github.com/unkn0wn-root/triecache/codec"
	"github.com/unkn0wn-root/triecache/genstore"
	"github.com/unkn0wn-root/triecache/lockstore"
	"github.com/unkn0wn-root/triecache/page"
	"github.com/unkn0wn-root/triecache/provider"
	pbadger "github.com/unkn0wn-root/triecache/provider/badger"
	pbigcache "github.com/unkn0wn-root/triecache/provider/bigcache"
	predis "github.com/unkn0wn-root/triecache/provider/redis"
	pristretto "github.com/unkn0wn-root/triecache/provider/ristretto"
	"github.com/unkn0wn-root/triecache/trie"
)

const (
	BackendRedis     = "redis"
	BackendRistretto = "ristretto"
	BackendBigCache  = "bigcache"
	BackendBadger    = "badger"
)

type Config struct {
	Namespace     string        `yaml:"namespace"`
	Levels        []Level       `yaml:"levels"`
	TTL           time.Duration `yaml:"ttl"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	GenRetention  time.Duration `yaml:"gen_retention"`
	LocalMaxPages int64         `yaml:"local_max_pages"`
	BatchConflict string        `yaml:"batch_conflict"` // reject | last_wins
	ExposedLevels []int         `yaml:"exposed_levels"`
	Disabled      bool          `yaml:"disabled"`
	ImageCodec    string        `yaml:"image_codec"` // msgpack (default) | cbor | json
	MaxImageBytes int           `yaml:"max_image_bytes"`
	Tier          Tier          `yaml:"tier"`
}

// Level is one address level, outermost (page) first.
type Level struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Rule string `yaml:"rule"`
}

// Tier selects the persistent tier backend. When Redis is set, generations
// and locks live in Redis whatever the backend, so several processes can
// share them; otherwise they are process-local.
type Tier struct {
	Backend   string     `yaml:"backend"`
	Redis     *Redis     `yaml:"redis"`
	Ristretto *Ristretto `yaml:"ristretto"`
	BigCache  *BigCache  `yaml:"bigcache"`
	Badger    *Badger    `yaml:"badger"`
}

type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type Ristretto struct {
	NumCounters int64 `yaml:"num_counters"`
	MaxCostMB   int64 `yaml:"max_cost_mb"`
	BufferItems int64 `yaml:"buffer_items"`
}

type BigCache struct {
	LifeWindow         time.Duration `yaml:"life_window"`
	CleanWindow        time.Duration `yaml:"clean_window"`
	MaxEntriesInWindow int           `yaml:"max_entries_in_window"`
	MaxEntrySize       int           `yaml:"max_entry_size"`
	HardMaxCacheSizeMB int           `yaml:"hard_max_cache_size_mb"`
}

type Badger struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(b)
}

// Parse decodes YAML strictly: unknown fields are errors.
func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	c.Tier.Backend = strings.ToLower(strings.TrimSpace(c.Tier.Backend))
	if c.Tier.Backend == "" {
		c.Tier.Backend = BackendRistretto
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("config: namespace is required")
	}
	levels, err := c.TrieLevels()
	if err != nil {
		return err
	}
	if err := trie.CheckLevels(levels); err != nil {
		return errors.Wrap(err, "config: levels")
	}
	if _, err := c.Conflict(); err != nil {
		return err
	}
	switch strings.ToLower(c.ImageCodec) {
	case "", "msgpack", "cbor", "json":
	default:
		return errors.Newf("config: unknown image_codec %q", c.ImageCodec)
	}
	switch c.Tier.Backend {
	case BackendRedis:
		if c.Tier.Redis == nil || len(c.Tier.Redis.Addrs) == 0 {
			return errors.New("config: redis backend needs tier.redis.addrs")
		}
	case BackendRistretto, BackendBigCache:
	case BackendBadger:
		if b := c.Tier.Badger; b == nil || (b.Path == "" && !b.InMemory) {
			return errors.New("config: badger backend needs tier.badger.path or in_memory")
		}
	default:
		return errors.Newf("config: unknown tier backend %q", c.Tier.Backend)
	}
	return nil
}

// TrieLevels converts the level list, parsing kind names.
func (c *Config) TrieLevels() ([]trie.Level, error) {
	out := make([]trie.Level, len(c.Levels))
	for i, l := range c.Levels {
		k, err := trie.ParseKind(l.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "config: level %q", l.Name)
		}
		out[i] = trie.Level{Name: l.Name, Kind: k, Rule: l.Rule}
	}
	return out, nil
}

func (c *Config) Conflict() (trie.ConflictPolicy, error) {
	switch strings.ToLower(c.BatchConflict) {
	case "", "reject":
		return trie.ConflictReject, nil
	case "last_wins", "last-wins":
		return trie.ConflictLastWins, nil
	}
	return 0, errors.Newf("config: unknown batch_conflict %q", c.BatchConflict)
}

// ImageCodec builds the page image codec c names, size-capped on decode
// when MaxImageBytes is set.
func ImageCodec[V any](c *Config) (codec.Codec[page.Image[V]], error) {
	var inner codec.Codec[page.Image[V]]
	switch strings.ToLower(c.ImageCodec) {
	case "", "msgpack":
		inner = codec.Msgpack[page.Image[V]]{}
	case "cbor":
		cb, err := codec.NewCBOR[page.Image[V]](codec.CBOROptions{Deterministic: true})
		if err != nil {
			return nil, err
		}
		inner = cb
	case "json":
		inner = codec.JSON[page.Image[V]]{}
	default:
		return nil, errors.Newf("config: unknown image_codec %q", c.ImageCodec)
	}
	if c.MaxImageBytes > 0 {
		return codec.Limit[page.Image[V]]{Inner: inner, MaxDecode: c.MaxImageBytes}, nil
	}
	return inner, nil
}

// Backend holds the collaborators opened for a Config. Once handed to an
// engine, closing the engine closes them.
type Backend struct {
	Provider provider.Provider
	Gens     genstore.GenStore
	Locks    lockstore.LockStore
}

func (b *Backend) Close(ctx context.Context) error {
	var err error
	if b.Provider != nil {
		err = errors.CombineErrors(err, b.Provider.Close(ctx))
	}
	if b.Gens != nil {
		err = errors.CombineErrors(err, b.Gens.Close(ctx))
	}
	if b.Locks != nil {
		err = errors.CombineErrors(err, b.Locks.Close(ctx))
	}
	return err
}

// sharedClient hands the provider's Redis client to the gen and lock
// stores; only the provider closes it.
type sharedClient struct{ goredis.UniversalClient }

func (sharedClient) Close() error { return nil }

// Open connects the configured tier backend.
func (c *Config) Open(ctx context.Context) (*Backend, error) {
	var rdb goredis.UniversalClient
	if r := c.Tier.Redis; r != nil && len(r.Addrs) > 0 {
		rdb = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    r.Addrs,
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "config: redis ping")
		}
	}

	b := &Backend{}
	p, err := c.openProvider(ctx, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	b.Provider = p

	if rdb != nil {
		// Exactly one collaborator owns the client: the provider when it
		// is Redis-backed, the lock store otherwise.
		var locks goredis.UniversalClient = sharedClient{rdb}
		if c.Tier.Backend != BackendRedis {
			locks = rdb
		}
		b.Locks = lockstore.NewRedis(locks, c.Namespace)
		b.Gens = genstore.NewRedis(sharedClient{rdb}, c.Namespace, c.genRetention())
	}
	return b, nil
}

func (c *Config) genRetention() time.Duration {
	if c.GenRetention > 0 {
		return c.GenRetention
	}
	return 30 * 24 * time.Hour
}

func (c *Config) openProvider(ctx context.Context, rdb goredis.UniversalClient) (provider.Provider, error) {
	switch c.Tier.Backend {
	case BackendRedis:
		return predis.New(predis.Config{Client: rdb, CloseClient: true})
	case BackendRistretto:
		rc := Ristretto{NumCounters: 1e6, MaxCostMB: 64, BufferItems: 64}
		if r := c.Tier.Ristretto; r != nil {
			rc.NumCounters = coalesce(r.NumCounters, rc.NumCounters)
			rc.MaxCostMB = coalesce(r.MaxCostMB, rc.MaxCostMB)
			rc.BufferItems = coalesce(r.BufferItems, rc.BufferItems)
		}
		return pristretto.New(pristretto.Config{
			NumCounters: rc.NumCounters,
			MaxCost:     rc.MaxCostMB << 20,
			BufferItems: rc.BufferItems,
		})
	case BackendBigCache:
		bc := BigCache{}
		if c.Tier.BigCache != nil {
			bc = *c.Tier.BigCache
		}
		return pbigcache.New(ctx, pbigcache.Config{
			LifeWindow:         coalesce(bc.LifeWindow, c.ttl()),
			CleanWindow:        bc.CleanWindow,
			MaxEntriesInWindow: bc.MaxEntriesInWindow,
			MaxEntrySize:       bc.MaxEntrySize,
			HardMaxCacheSizeMB: bc.HardMaxCacheSizeMB,
		})
	case BackendBadger:
		bd := c.Tier.Badger
		return pbadger.New(pbadger.Config{
			Path:       bd.Path,
			InMemory:   bd.InMemory,
			SyncWrites: bd.SyncWrites,
			GCInterval: bd.GCInterval,
		})
	}
	return nil, errors.Newf("config: unknown tier backend %q", c.Tier.Backend)
}

func (c *Config) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 10 * time.Minute
}

// Apply fills opts from c and b. Store and the observability collaborators
// stay with the caller.
func Apply[V any](c *Config, b *Backend, opts *triecache.Options[V]) error {
	levels, err := c.TrieLevels()
	if err != nil {
		return err
	}
	policy, err := c.Conflict()
	if err != nil {
		return err
	}
	ic, err := ImageCodec[V](c)
	if err != nil {
		return err
	}
	opts.Codec = ic
	opts.Namespace = c.Namespace
	opts.Levels = levels
	opts.TTL = c.TTL
	opts.LockTTL = c.LockTTL
	opts.GenRetention = c.GenRetention
	opts.LocalMaxPages = c.LocalMaxPages
	opts.BatchConflict = policy
	opts.ExposedLevels = c.ExposedLevels
	opts.Disabled = c.Disabled
	if b != nil {
		opts.Provider = b.Provider
		opts.GenStore = b.Gens
		opts.LockStore = b.Locks
	}
	return nil
}

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
