package trie

import "fmt"

// Level describes one address level: its name, scalar kind and an optional
// validation rule (go-playground/validator syntax, e.g. "min=1,max=64").
type Level struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"-" json:"kind"`
	Rule string `yaml:"rule,omitempty" json:"rule,omitempty"`
}

// CheckLevels verifies a level list usable as an address schema.
func CheckLevels(levels []Level) error {
	if len(levels) < 2 || len(levels) > MaxDepth {
		return fmt.Errorf("trie: need between 2 and %d levels, got %d", MaxDepth, len(levels))
	}
	for i, l := range levels {
		if l.Kind != KindInt && l.Kind != KindString {
			return fmt.Errorf("trie: level %d (%q) has invalid kind", len(levels)-i, l.Name)
		}
	}
	return nil
}
