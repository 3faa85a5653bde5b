// Package lockstore provides the exclusive page and namespace locks the
// engine takes before mutating. Locks are owned by a token and expire after
// a ttl so a crashed holder cannot wedge a page forever.
package lockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrLocked is matched by every *LockedError.
var ErrLocked = errors.New("lockstore: already locked")

// LockedError names the first key that was held by someone else.
type LockedError struct {
	Key string
}

func (e *LockedError) Error() string { return fmt.Sprintf("lockstore: %s already locked", e.Key) }

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// LockStore is an all-or-nothing multi-key lock.
type LockStore interface {
	// Acquire takes every key for owner, or none of them.
	Acquire(ctx context.Context, keys []string, owner string, ttl time.Duration) error
	// Release drops the keys still held by owner; others are left alone.
	Release(ctx context.Context, keys []string, owner string) error
	// Held reports which keys are currently locked by anyone.
	Held(ctx context.Context, keys []string) (map[string]bool, error)
	Close(context.Context) error
}

// NewOwner returns a fresh owner token.
func NewOwner() string { return uuid.NewString() }
