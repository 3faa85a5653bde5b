package page

import (
	"fmt"

	"github.com/unkn0wn-root/triecache/trie"
)

// Image is the serializable form of a Page stored in the persistent tier.
// Generation and epoch travel in the wire frame, not here.
type Image[V any] struct {
	ID        trie.KeyWire     `json:"id" msgpack:"id"`
	AllCached bool             `json:"all,omitempty" msgpack:"all,omitempty"`
	Rows      []ImageRow[V]    `json:"rows" msgpack:"rows"`
	Authority [][]trie.KeyWire `json:"auth,omitempty" msgpack:"auth,omitempty"`
}

type ImageRow[V any] struct {
	Path  []trie.KeyWire `json:"p" msgpack:"p"`
	Value V              `json:"v" msgpack:"v"`
}

func (p *Page[V]) Image() Image[V] {
	img := Image[V]{ID: p.ID.Wire(), AllCached: p.AllCached}
	p.Keys.Walk(func(rel trie.Path, v V) bool {
		img.Rows = append(img.Rows, ImageRow[V]{Path: rel.Wire(), Value: v})
		return true
	})
	for _, a := range p.Authority() {
		img.Authority = append(img.Authority, a.Wire())
	}
	return img
}

// FromImage rebuilds a page and checks the image against depth. A malformed
// image is reported as an error so callers can treat it as corrupt.
func FromImage[V any](img Image[V], depth int) (*Page[V], error) {
	id, err := img.ID.Key()
	if err != nil {
		return nil, fmt.Errorf("page: image id: %w", err)
	}
	p := New[V](id, depth)
	p.AllCached = img.AllCached
	for _, r := range img.Rows {
		rel, err := trie.PathFromWire(r.Path)
		if err != nil {
			return nil, fmt.Errorf("page %s: row: %w", id, err)
		}
		if rel.Len() != depth {
			return nil, fmt.Errorf("page %s: row %s has %d levels, want %d", id, rel, rel.Len(), depth)
		}
		p.Keys.SetLeaf(rel, r.Value)
	}
	for _, a := range img.Authority {
		rel, err := trie.PathFromWire(a)
		if err != nil {
			return nil, fmt.Errorf("page %s: authority: %w", id, err)
		}
		if rel.Len() == 0 || rel.Len() >= depth {
			return nil, fmt.Errorf("page %s: authority %s outside branch levels", id, rel)
		}
		p.grant(rel)
	}
	p.Prune()
	return p, nil
}
