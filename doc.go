// Package triecache is a paged trie cache in front of a relational store.
//
// Data is addressed by N ordered key levels (2 <= N <= 8): level N is the
// page key, level 1 the leaf key. Any subtree can be read, inserted,
// upserted, replaced or dropped while a process-local cache and a shared
// persistent tier stay coherent with the store.
//
// Components:
//   - Store: the authoritative table (store/memstore, store/sqlstore).
//   - Tier: page images in a byte Provider (Redis, Ristretto, BigCache,
//     Badger), validated by page generations and a namespace epoch, guarded
//     by page and namespace locks (package tier).
//   - Validator: key kinds and per-level rules (package validate).
//
// A page records which of its subtrees are complete ("authority"). A read
// answers from the process cache, then from the persistent tier, then asks
// the store only for what neither tier covers, and writes the grown pages
// back:
//
//	sel := trie.Loft([]trie.Path{trie.NewPath(trie.Str("P1"), trie.Str("A"))})
//	node, allValid, err := eng.GetMulti(ctx, sel)
//
// Mutations lock every page they touch, write the store, then install the
// new pages in the process cache before writing them to the persistent tier.
package triecache
