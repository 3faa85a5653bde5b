// Package ristretto keeps page images in a cost-bounded in-process cache.
// It suits single-process deployments where the tier need not be shared.
package ristretto

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/triecache/provider"
)

type Provider struct {
	c *rc.Cache
}

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.MultiGetter = (*Provider)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64 // bytes; the tier passes the image size as cost
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.Newf("ristretto: invalid config %+v", cfg)
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ristretto: new cache")
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.get(key)
	return b, ok, nil
}

// GetMany reads the images of one page batch without leaving the process.
func (p *Provider) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if b, ok := p.get(k); ok {
			out[k] = b
		}
	}
	return out, nil
}

// get drops entries of an unexpected shape.
func (p *Provider) get(key string) ([]byte, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false
	}
	return b, true
}

// Set waits for the write buffer so a page written under a lock is visible
// to the next reader.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	p.c.Wait()
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
