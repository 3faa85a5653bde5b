package trie

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the scalar type of a key level.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// ParseKind maps "int"/"string" (as used in config files) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "int64":
		return KindInt, nil
	case "string", "str", "text":
		return KindString, nil
	}
	return KindInvalid, fmt.Errorf("trie: unknown key kind %q", s)
}

// Key is one scalar level of an address: an int64 or a string.
// Keys are comparable and can be used as map keys.
type Key struct {
	kind Kind
	i    int64
	s    string
}

func Int(v int64) Key  { return Key{kind: KindInt, i: v} }
func Str(v string) Key { return Key{kind: KindString, s: v} }

func (k Key) Kind() Kind   { return k.kind }
func (k Key) IsZero() bool { return k.kind == KindInvalid }

func (k Key) Int() (int64, bool) { return k.i, k.kind == KindInt }
func (k Key) Str() (string, bool) { return k.s, k.kind == KindString }

// Compare orders ints before strings, then by value.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.kind, o.kind); c != 0 {
		return c
	}
	if k.kind == KindInt {
		return cmp.Compare(k.i, o.i)
	}
	return strings.Compare(k.s, o.s)
}

func (k Key) String() string {
	switch k.kind {
	case KindInt:
		return strconv.FormatInt(k.i, 10)
	case KindString:
		return k.s
	default:
		return "<invalid>"
	}
}

// KeyWire is the serializable form of a Key used in page images.
type KeyWire struct {
	Kind Kind   `json:"k" msgpack:"k"`
	Int  int64  `json:"i,omitempty" msgpack:"i,omitempty"`
	Str  string `json:"s,omitempty" msgpack:"s,omitempty"`
}

func (k Key) Wire() KeyWire {
	return KeyWire{Kind: k.kind, Int: k.i, Str: k.s}
}

func (w KeyWire) Key() (Key, error) {
	switch w.Kind {
	case KindInt:
		return Int(w.Int), nil
	case KindString:
		return Str(w.Str), nil
	}
	return Key{}, fmt.Errorf("trie: invalid key kind %d", w.Kind)
}
