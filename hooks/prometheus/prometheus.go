// Package promhooks exports engine hook events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/triecache"
	"github.com/unkn0wn-root/triecache/trie"
)

const subsystem = "triecache"

type Hooks struct {
	selfHeal     *prometheus.CounterVec
	persistSkip  *prometheus.CounterVec
	persistFail  prometheus.Counter
	unlockFail   *prometheus.CounterVec
	unboundedRej *prometheus.CounterVec
	nsFlush      *prometheus.CounterVec
	fetches      prometheus.Counter
	fetchedRows  prometheus.Counter
	fetchedPages prometheus.Histogram
	tierUnavail  *prometheus.CounterVec
}

var _ triecache.Hooks = (*Hooks)(nil)

// New registers the counters with reg under namespace. A nil reg uses the
// default registerer. Page keys never become label values.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}
	return &Hooks{
		selfHeal:     f.NewCounterVec(opts("page_self_heal_total", "Page copies discarded on read, by reason"), []string{"reason"}),
		persistSkip:  f.NewCounterVec(opts("persist_skipped_total", "Pages read from the store but not written back, by reason"), []string{"reason"}),
		persistFail:  f.NewCounter(opts("persist_failed_total", "Page write-backs that failed after a read")),
		unlockFail:   f.NewCounterVec(opts("unlock_failures_total", "Failures to release or flush locked pages, by operation"), []string{"op"}),
		unboundedRej: f.NewCounterVec(opts("unbounded_rejected_total", "Universal requests refused by the guard, by operation"), []string{"op"}),
		nsFlush:      f.NewCounterVec(opts("namespace_flushes_total", "Namespace-wide cache flushes, by operation"), []string{"op"}),
		fetches:      f.NewCounter(opts("store_fetches_total", "Backing-store reads")),
		fetchedRows:  f.NewCounter(opts("store_rows_total", "Rows returned by backing-store reads")),
		fetchedPages: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_fetch_pages",
			Help:      "Pages involved in one backing-store read",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		tierUnavail: f.NewCounterVec(opts("tier_unavailable_total", "Calls that bypassed an unreachable persistent tier, by operation"), []string{"op"}),
	}
}

func (h *Hooks) PageSelfHeal(_ trie.Key, reason string)   { h.selfHeal.WithLabelValues(reason).Inc() }
func (h *Hooks) PersistSkipped(_ trie.Key, reason string) { h.persistSkip.WithLabelValues(reason).Inc() }
func (h *Hooks) PersistFailed(trie.Key, error)            { h.persistFail.Inc() }
func (h *Hooks) UnlockFailure(op string, _ int, _ error)  { h.unlockFail.WithLabelValues(op).Inc() }
func (h *Hooks) UnboundedRejected(op string)              { h.unboundedRej.WithLabelValues(op).Inc() }
func (h *Hooks) NamespaceFlushed(op string)               { h.nsFlush.WithLabelValues(op).Inc() }
func (h *Hooks) TierUnavailable(op string, _ error)       { h.tierUnavail.WithLabelValues(op).Inc() }

func (h *Hooks) StoreFetch(pages, rows int) {
	h.fetches.Inc()
	h.fetchedRows.Add(float64(rows))
	h.fetchedPages.Observe(float64(pages))
}
