package sqlstore

import (
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/unkn0wn-root/triecache/trie"
)

// where renders a selector as a predicate over the level columns. Sibling
// marks collapse into one "= ANY($n)" term; branches nest with AND.
// A universal selector renders as the empty predicate.
type where struct {
	cols []string
	args []any
}

func (w *where) build(sel *trie.Selector) string {
	if trie.Universal(sel) {
		return ""
	}
	return w.node(sel, 0)
}

func (w *where) node(n *trie.Selector, depth int) string {
	col := w.cols[depth]
	var marks, branches []trie.Key
	for _, k := range n.Keys() {
		if n.Child(k).IsLeaf() {
			marks = append(marks, k)
		} else {
			branches = append(branches, k)
		}
	}
	var terms []string
	switch len(marks) {
	case 0:
	case 1:
		terms = append(terms, col+" = "+w.arg(keyArg(marks[0])))
	default:
		terms = append(terms, col+" = ANY("+w.arg(keysArg(marks))+")")
	}
	for _, k := range branches {
		eq := col + " = " + w.arg(keyArg(k))
		terms = append(terms, "("+eq+" AND "+w.node(n.Child(k), depth+1)+")")
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func keyArg(k trie.Key) any {
	if i, ok := k.Int(); ok {
		return i
	}
	s, _ := k.Str()
	return s
}

// keysArg wraps same-level keys as a Postgres array. Keys of one level share
// a kind.
func keysArg(keys []trie.Key) any {
	if _, ok := keys[0].Int(); ok {
		out := make(pq.Int64Array, len(keys))
		for i, k := range keys {
			out[i], _ = k.Int()
		}
		return out
	}
	out := make(pq.StringArray, len(keys))
	for i, k := range keys {
		out[i], _ = k.Str()
	}
	return out
}
