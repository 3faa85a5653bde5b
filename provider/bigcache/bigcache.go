// Package bigcache keeps page images in an off-heap friendly in-process
// cache. Entries share one life window; per-entry TTLs are ignored.
package bigcache

import (
	"context"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"

	"github.com/unkn0wn-root/triecache/provider"
)

type Provider struct {
	c        *bc.BigCache
	maxEntry int
}

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.MultiGetter = (*Provider)(nil)
)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, errors.Wrap(err, "bigcache: new")
	}
	return &Provider{c: c, maxEntry: maxEntry(conf)}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, err := p.c.Get(k)
		switch {
		case errors.Is(err, bc.ErrEntryNotFound):
		case err != nil:
			return nil, errors.Wrapf(err, "bigcache: get %s", k)
		default:
			out[k] = b
		}
	}
	return out, nil
}

// Set ignores ttl: every entry lives for the configured life window, which
// should not exceed the engine TTL. A rejected entry reports ok=false.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		if len(value) > p.maxEntry {
			return false, nil
		}
		return false, errors.Wrapf(err, "bigcache: set %s", key)
	}
	return true, nil
}

// maxEntry is the largest value a shard can hold when the cache has a hard
// size limit; without one any size fits.
func maxEntry(conf bc.Config) int {
	if conf.HardMaxCacheSize <= 0 {
		return int(^uint(0) >> 1)
	}
	return conf.HardMaxCacheSize * 1024 * 1024 / conf.Shards
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (p *Provider) Close(context.Context) error {
	return p.c.Close()
}
