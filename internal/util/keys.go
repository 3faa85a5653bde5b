// Package util builds the storage keys shared by the tier, the gen store
// and the lock store.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/unkn0wn-root/triecache/trie"
)

// maxRawKey is the longest string key embedded verbatim; longer keys are
// replaced by a short hash.
const maxRawKey = 128

// PageID renders a page key canonically: "i:<int>" or "s:<string>".
// Ints and strings never collide.
func PageID(k trie.Key) string {
	if i, ok := k.Int(); ok {
		return "i:" + strconv.FormatInt(i, 10)
	}
	s, _ := k.Str()
	if len(s) > maxRawKey {
		sum := sha256.Sum256([]byte(s))
		return "h:" + hex.EncodeToString(sum[:16])
	}
	return "s:" + s
}

// GenKey is the generation key of a page.
func GenKey(id string) string { return "page:" + id }

// EpochKey is the generation key of the whole namespace.
const EpochKey = "epoch"

// LockKey is the lock key of a page.
func LockKey(id string) string { return "page:" + id }

// NamespaceLockKey is the namespace-wide lock.
const NamespaceLockKey = "namespace"

// ImageKey is the provider key of a page image. The epoch is part of the key
// so a namespace flush orphans every old image at once.
func ImageKey(ns string, epoch uint64, id string) string {
	return "page:{" + ns + "}:" + strconv.FormatUint(epoch, 10) + ":" + id
}
