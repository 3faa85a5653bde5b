package triecache

import "time"

const (
	// defaultTTL bounds how long a page image lives in the persistent tier.
	defaultTTL = 10 * time.Minute
	// defaultLockTTL must outlast the slowest store write made under a lock.
	defaultLockTTL = 30 * time.Second
	// defaultGenRetention must exceed every image TTL.
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// coalesce returns def when v is the zero value of T, otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
