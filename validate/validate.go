// Package validate checks keys and trie shapes against a level schema before
// the engine touches any cache tier or store.
package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/unkn0wn-root/triecache/trie"
)

// Error describes the first offending key or node found.
type Error struct {
	Path   trie.Path
	Level  int // 0 when the problem is not tied to one level
	Name   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("validate: ")
	if e.Level > 0 {
		fmt.Fprintf(&b, "level %d (%s) ", e.Level, e.Name)
	}
	fmt.Fprintf(&b, "at %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validator checks input against levels ordered outermost first.
type Validator struct {
	levels []trie.Level
	v      *validator.Validate
}

// New checks the schema and every rule once so that bad rule syntax fails at
// construction instead of on the first request.
func New(levels []trie.Level) (*Validator, error) {
	if err := trie.CheckLevels(levels); err != nil {
		return nil, err
	}
	v := validator.New()
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	out := &Validator{levels: append([]trie.Level(nil), levels...), v: v}
	for i, l := range levels {
		if l.Rule == "" {
			continue
		}
		if err := out.compile(l); err != nil {
			return nil, fmt.Errorf("validate: level %d (%s) rule %q: %w", len(levels)-i, l.Name, l.Rule, err)
		}
	}
	return out, nil
}

// compile exercises a rule against a zero value; validator panics on
// unknown tags.
func (v *Validator) compile(l trie.Level) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	if l.Kind == trie.KindInt {
		_ = v.v.Var(int64(0), l.Rule)
	} else {
		_ = v.v.Var("", l.Rule)
	}
	return nil
}

// Depth is the number of levels N.
func (v *Validator) Depth() int { return len(v.levels) }

func (v *Validator) Levels() []trie.Level { return v.levels }

// Key checks k at position idx (0 = page level) of path at.
func (v *Validator) Key(idx int, k trie.Key, at trie.Path) error {
	if idx < 0 || idx >= len(v.levels) {
		return &Error{Path: at, Reason: fmt.Sprintf("position %d beyond depth %d", idx, len(v.levels))}
	}
	l := v.levels[idx]
	level := len(v.levels) - idx
	if k.Kind() != l.Kind {
		return &Error{Path: at, Level: level, Name: l.Name,
			Reason: fmt.Sprintf("key %q is %s, want %s", k, k.Kind(), l.Kind)}
	}
	if l.Rule == "" {
		return nil
	}
	var err error
	if i, ok := k.Int(); ok {
		err = v.v.Var(i, l.Rule)
	} else {
		s, _ := k.Str()
		err = v.v.Var(s, l.Rule)
	}
	if err != nil {
		return &Error{Path: at, Level: level, Name: l.Name, Reason: fmt.Sprintf("key %q fails %q", k, l.Rule), Err: err}
	}
	return nil
}

// Path checks every key of p. When full is set p must address a leaf.
func (v *Validator) Path(p trie.Path, full bool) error {
	if p.Len() > len(v.levels) {
		return &Error{Path: p, Reason: fmt.Sprintf("%d levels, depth is %d", p.Len(), len(v.levels))}
	}
	if full && p.Len() != len(v.levels) {
		return &Error{Path: p, Reason: fmt.Sprintf("%d levels, want %d", p.Len(), len(v.levels))}
	}
	for i := 0; i < p.Len(); i++ {
		if err := v.Key(i, p.At(i), p.Prefix(i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Selector checks a request trie: no mark below depth N, no empty branch
// below the root.
func (v *Validator) Selector(sel *trie.Selector) error {
	return walk(v, sel, trie.Path{}, false)
}

// Data checks a write trie rooted at the page level: every leaf exactly at
// depth N.
func Data[V any](v *Validator, n *trie.Node[V]) error {
	if n.IsLeaf() {
		return &Error{Reason: "data root must be a branch"}
	}
	return walk(v, n, trie.Path{}, true)
}

// Replace checks a replacement: prefix of 1..N keys and a subtree whose
// leaves land exactly at depth N. A nil or empty subtree empties the prefix.
func Replace[V any](v *Validator, prefix trie.Path, sub *trie.Node[V]) error {
	if prefix.Len() == 0 {
		return &Error{Path: prefix, Reason: "replace needs at least the page key"}
	}
	if err := v.Path(prefix, false); err != nil {
		return err
	}
	if sub.Empty() {
		return nil
	}
	if prefix.Len() == len(v.levels) {
		if !sub.IsLeaf() {
			return &Error{Path: prefix, Reason: "leaf prefix needs a leaf value"}
		}
		return nil
	}
	if sub.IsLeaf() {
		return &Error{Path: prefix, Reason: "value above leaf level"}
	}
	return walk(v, sub, prefix, true)
}

func walk[V any](v *Validator, n *trie.Node[V], at trie.Path, leavesAtDepth bool) error {
	if n == nil {
		return &Error{Path: at, Reason: "nil node"}
	}
	if n.IsLeaf() {
		if leavesAtDepth && at.Len() != len(v.levels) {
			return &Error{Path: at, Reason: fmt.Sprintf("value at %d levels, want %d", at.Len(), len(v.levels))}
		}
		return nil
	}
	if at.Len() >= len(v.levels) {
		return &Error{Path: at, Reason: "branch below leaf level"}
	}
	if n.Len() == 0 && (at.Len() > 0 || leavesAtDepth) {
		return &Error{Path: at, Reason: "empty branch"}
	}
	for _, k := range n.Keys() {
		next := at.Append(k)
		if err := v.Key(at.Len(), k, next); err != nil {
			return err
		}
		if err := walk(v, n.Child(k), next, leavesAtDepth); err != nil {
			return err
		}
	}
	return nil
}
