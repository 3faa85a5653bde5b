package triecache

import (
	"fmt"
	"strings"

	"github.com/unkn0wn-root/triecache/trie"
)

// Kind classifies an *Error. Kind implements error so callers can match
// with errors.Is(err, triecache.CacheLockError).
type Kind uint8

const (
	// NotInitialized: the engine was closed or built without a store.
	NotInitialized Kind = iota + 1
	// ValidationError: bad key type or malformed selector/data. Nothing was touched.
	ValidationError
	// UnboundedQueryError: the request addresses the whole keyspace and the guard is on.
	UnboundedQueryError
	StoreReadError
	StoreWriteError
	StoreTransactionError
	CacheLockError
	CacheWriteError
	CacheFlushError
	// UnlockAfterFailureError: cleanup after a failure failed too. Err is the
	// original failure, Secondary the cleanup failure.
	UnlockAfterFailureError
)

var kindNames = map[Kind]string{
	NotInitialized:          "not initialized",
	ValidationError:         "validation",
	UnboundedQueryError:     "unbounded query",
	StoreReadError:          "store read",
	StoreWriteError:         "store write",
	StoreTransactionError:   "store transaction",
	CacheLockError:          "cache lock",
	CacheWriteError:         "cache write",
	CacheFlushError:         "cache flush",
	UnlockAfterFailureError: "unlock after failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Error() string { return "triecache: " + k.String() }

// Error is returned by every engine operation.
type Error struct {
	Kind Kind
	Op   string
	// Page is the page involved, when the failure is tied to one.
	Page trie.Key
	// Path is the offending address, when known.
	Path trie.Path
	// Committed is set when the store write went through and only the cache
	// tier failed afterwards.
	Committed bool
	Err       error
	Secondary error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("triecache: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if !e.Page.IsZero() {
		fmt.Fprintf(&b, " page=%s", e.Page)
	}
	if !e.Path.IsEmpty() {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Committed {
		b.WriteString(" (store committed)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Secondary != nil {
		b.WriteString("; cleanup: ")
		b.WriteString(e.Secondary.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	errs = append(errs, e.Kind)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Secondary != nil {
		errs = append(errs, e.Secondary)
	}
	return errs
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// escalate reports a failed cleanup together with the failure it was
// cleaning up after.
func escalate(op string, cause, cleanup error, committed bool) *Error {
	return &Error{Kind: UnlockAfterFailureError, Op: op, Err: cause, Secondary: cleanup, Committed: committed}
}
