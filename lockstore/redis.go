package lockstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// acquireScript sets every key NX with a px ttl. On the first key already
// held it deletes the keys it set and returns that key's 1-based index.
var acquireScript = redis.NewScript(`
for i, k in ipairs(KEYS) do
  if not redis.call('SET', k, ARGV[1], 'NX', 'PX', ARGV[2]) then
    for j = 1, i - 1 do
      redis.call('DEL', KEYS[j])
    end
    return i
  end
end
return 0
`)

// releaseScript deletes the keys whose value is still the owner token.
var releaseScript = redis.NewScript(`
local n = 0
for _, k in ipairs(KEYS) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('DEL', k)
    n = n + 1
  end
end
return n
`)

// Redis locks across processes. Keys carry a {namespace} hash tag so one
// script call touches a single cluster slot.
type Redis struct {
	rdb redis.UniversalClient
	ns  string
}

var _ LockStore = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, ns: namespace}
}

func (s *Redis) key(k string) string { return "lock:{" + s.ns + "}:" + k }

func (s *Redis) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.key(k)
	}
	return out
}

func (s *Redis) Acquire(ctx context.Context, keys []string, owner string, ttl time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	if ttl <= 0 {
		return errors.New("lockstore: redis locks need a ttl")
	}
	idx, err := acquireScript.Run(ctx, s.rdb, s.keys(keys), owner, ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Wrap(err, "lockstore: acquire")
	}
	if idx > 0 {
		return &LockedError{Key: keys[idx-1]}
	}
	return nil
}

func (s *Redis) Release(ctx context.Context, keys []string, owner string) error {
	if len(keys) == 0 {
		return nil
	}
	err := releaseScript.Run(ctx, s.rdb, s.keys(keys), owner).Err()
	return errors.Wrap(err, "lockstore: release")
}

func (s *Redis) Held(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, s.keys(keys)...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "lockstore: mget")
	}
	for i, v := range vals {
		out[keys[i]] = v != nil
	}
	return out, nil
}

func (s *Redis) Close(context.Context) error { return s.rdb.Close() }
