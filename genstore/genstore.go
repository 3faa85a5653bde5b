// Package genstore keeps monotonically increasing generations for page ids
// and for the namespace epoch. A cached page image is trusted only while
// the generation recorded with it is still current.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live: Local for a single process,
// Redis when several processes share one persistent tier.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for keys in one round trip; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// BumpMany increments every key in one round trip.
	BumpMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Cleanup prunes idle entries where the backend needs it.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
