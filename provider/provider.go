// Package provider defines the byte store that holds page images for the
// persistent tier.
//
// Implementations must be byte-for-byte transparent: Get returns exactly the
// bytes given to Set. The "page:" keyspace under a namespace belongs to the
// tier; foreign values there fail frame validation and are deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with ttl (<= 0 means no expiry where supported).
	// ok=false means the store dropped the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key; deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// MultiGetter is implemented by providers that can fetch many keys in one
// round trip. Missing keys are absent from the result.
type MultiGetter interface {
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
}
