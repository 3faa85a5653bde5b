package triecache

import "github.com/unkn0wn-root/triecache/trie"

// Self-heal and skip reasons reported through Hooks.
const (
	HealCorrupt    = "corrupt"     // persistent image failed to decode
	HealStale      = "stale"       // persistent image older than the page generation
	HealLocalStale = "local_stale" // process copy no longer matches the tier

	SkipLocked   = "locked"    // page or namespace was locked when the read started
	SkipBusy     = "lock_busy" // lock taken by someone else before write-back
	SkipGenMoved = "gen_moved" // page changed while the store was being read
	SkipEmpty    = "empty"     // nothing to cache
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them on hot paths.
type Hooks interface {
	// A page copy was discarded on read.
	PageSelfHeal(page trie.Key, reason string)

	// A page read from the store was not written back to the persistent tier.
	PersistSkipped(page trie.Key, reason string)

	// Writing a page back after a read failed; the page was flushed.
	PersistFailed(page trie.Key, err error)

	// Locks could not be released or pages could not be flushed after a failure.
	// pages is the number of pages left to lock expiry.
	UnlockFailure(op string, pages int, err error)

	// A universal request was refused by the guard.
	UnboundedRejected(op string)

	// DropGlobal or DropAll orphaned every cached page.
	NamespaceFlushed(op string)

	// One backing-store read: pages involved and rows returned.
	StoreFetch(pages, rows int)

	// The persistent tier could not be consulted; the call went to the store.
	TierUnavailable(op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) PageSelfHeal(trie.Key, string)    {}
func (NopHooks) PersistSkipped(trie.Key, string)  {}
func (NopHooks) PersistFailed(trie.Key, error)    {}
func (NopHooks) UnlockFailure(string, int, error) {}
func (NopHooks) UnboundedRejected(string)         {}
func (NopHooks) NamespaceFlushed(string)          {}
func (NopHooks) StoreFetch(int, int)              {}
func (NopHooks) TierUnavailable(string, error)    {}
