package trie

import (
	"fmt"
	"strings"
)

// MaxDepth is the maximum number of levels an address can have.
const MaxDepth = 8

// Path is an ordered tuple of keys, index 0 being the outermost (page) level.
// A Path is immutable and comparable; it can be used as a map key.
type Path struct {
	keys [MaxDepth]Key
	n    uint8
}

// NewPath builds a path from keys. It panics when more than MaxDepth keys are given.
func NewPath(keys ...Key) Path {
	if len(keys) > MaxDepth {
		panic(fmt.Sprintf("trie: path of %d keys exceeds MaxDepth=%d", len(keys), MaxDepth))
	}
	var p Path
	copy(p.keys[:], keys)
	p.n = uint8(len(keys))
	return p
}

func (p Path) Len() int      { return int(p.n) }
func (p Path) At(i int) Key  { return p.keys[i] }
func (p Path) IsEmpty() bool { return p.n == 0 }

// Keys returns a copy of the keys.
func (p Path) Keys() []Key {
	out := make([]Key, p.n)
	copy(out, p.keys[:p.n])
	return out
}

func (p Path) Last() Key {
	if p.n == 0 {
		return Key{}
	}
	return p.keys[p.n-1]
}

func (p Path) Append(k Key) Path {
	if int(p.n) >= MaxDepth {
		panic("trie: path exceeds MaxDepth")
	}
	p.keys[p.n] = k
	p.n++
	return p
}

func (p Path) Concat(q Path) Path {
	for i := 0; i < q.Len(); i++ {
		p = p.Append(q.keys[i])
	}
	return p
}

// Prefix returns the first n keys.
func (p Path) Prefix(n int) Path {
	if n >= int(p.n) {
		return p
	}
	var out Path
	copy(out.keys[:], p.keys[:n])
	out.n = uint8(n)
	return out
}

// Suffix returns the keys from index from onwards.
func (p Path) Suffix(from int) Path {
	if from >= int(p.n) {
		return Path{}
	}
	return NewPath(p.keys[from:p.n]...)
}

func (p Path) Parent() Path {
	if p.n == 0 {
		return p
	}
	return p.Prefix(int(p.n) - 1)
}

func (p Path) HasPrefix(q Path) bool {
	if q.n > p.n {
		return false
	}
	for i := 0; i < int(q.n); i++ {
		if p.keys[i] != q.keys[i] {
			return false
		}
	}
	return true
}

// Compare orders paths key by key; a prefix sorts before its extensions.
func (p Path) Compare(q Path) int {
	n := min(p.n, q.n)
	for i := 0; i < int(n); i++ {
		if c := p.keys[i].Compare(q.keys[i]); c != 0 {
			return c
		}
	}
	switch {
	case p.n < q.n:
		return -1
	case p.n > q.n:
		return 1
	}
	return 0
}

func (p Path) String() string {
	parts := make([]string, p.n)
	for i := range parts {
		parts[i] = p.keys[i].String()
	}
	return "/" + strings.Join(parts, "/")
}

func (p Path) Wire() []KeyWire {
	out := make([]KeyWire, p.n)
	for i := range out {
		out[i] = p.keys[i].Wire()
	}
	return out
}

func PathFromWire(w []KeyWire) (Path, error) {
	if len(w) > MaxDepth {
		return Path{}, fmt.Errorf("trie: wire path of %d keys exceeds MaxDepth", len(w))
	}
	var p Path
	for _, kw := range w {
		k, err := kw.Key()
		if err != nil {
			return Path{}, err
		}
		p = p.Append(k)
	}
	return p, nil
}
