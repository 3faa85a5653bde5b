package genstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes. Keys carry a {namespace} hash
// tag so MGET and pipelines stay on one cluster slot. With ttl > 0 keys
// expire and read back as 0; keep ttl above the page TTL.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, ttl: ttl}
}

func (s *Redis) key(k string) string { return "gen:{" + s.ns + "}:" + k }

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	m, err := s.SnapshotMany(ctx, []string{k})
	return m[k], err
}

func (s *Redis) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "genstore: mget")
	}
	for i, v := range vals {
		g, err := parseGen(v)
		if err != nil {
			return nil, errors.Wrapf(err, "genstore: key %s", ks[i])
		}
		out[ks[i]] = g
	}
	return out, nil
}

func parseGen(v any) (uint64, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseUint(vv, 10, 64)
	case []byte:
		return strconv.ParseUint(string(vv), 10, 64)
	case int64:
		return uint64(vv), nil
	}
	return 0, errors.Newf("unexpected generation type %T", v)
}

func (s *Redis) Bump(ctx context.Context, k string) (uint64, error) {
	m, err := s.BumpMany(ctx, []string{k})
	return m[k], err
}

// BumpMany pipelines INCR (and EXPIRE when a ttl is set) for every key.
func (s *Redis) BumpMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(ks))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range ks {
			cmds[i] = p.Incr(ctx, s.key(k))
			if s.ttl > 0 {
				p.Expire(ctx, s.key(k), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "genstore: incr")
	}
	for i, k := range ks {
		out[k] = uint64(cmds[i].Val())
	}
	return out, nil
}

// Cleanup is a no-op; Redis expires keys itself when a ttl is set.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }
