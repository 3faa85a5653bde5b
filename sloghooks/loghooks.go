// Package sloghooks reports engine hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/triecache"
	"github.com/unkn0wn-root/triecache/trie"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	PersistSkipEvery uint64
	StoreFetchEvery  uint64
	// Optional page key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	persistSkipCtr atomic.Uint64
	storeFetchCtr  atomic.Uint64
}

var _ triecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k trie.Key) string {
	s := k.String()
	if h.opts.Redact != nil {
		return h.opts.Redact(s)
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) PageSelfHeal(page trie.Key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("triecache.page_self_heal",
		"page", h.redact(page),
		"reason", reason)
}

func (h *Hooks) PersistSkipped(page trie.Key, reason string) {
	if h.l == nil || !sample(h.opts.PersistSkipEvery, &h.persistSkipCtr) {
		return
	}
	h.l.Debug("triecache.persist_skipped",
		"page", h.redact(page),
		"reason", reason)
}

func (h *Hooks) PersistFailed(page trie.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("triecache.persist_failed",
		"page", h.redact(page),
		"err", err)
}

func (h *Hooks) UnlockFailure(op string, pages int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("triecache.unlock_failure",
		"op", op,
		"pages", pages,
		"err", err)
}

func (h *Hooks) UnboundedRejected(op string) {
	if h.l == nil {
		return
	}
	h.l.Info("triecache.unbounded_rejected", "op", op)
}

func (h *Hooks) NamespaceFlushed(op string) {
	if h.l == nil {
		return
	}
	h.l.Info("triecache.namespace_flushed", "op", op)
}

func (h *Hooks) StoreFetch(pages, rows int) {
	if h.l == nil || !sample(h.opts.StoreFetchEvery, &h.storeFetchCtr) {
		return
	}
	h.l.Debug("triecache.store_fetch",
		"pages", pages,
		"rows", rows)
}

func (h *Hooks) TierUnavailable(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("triecache.tier_unavailable",
		"op", op,
		"err", err)
}
