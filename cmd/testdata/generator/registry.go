package generator

import (
	"fmt"
	"sort"
)

// Registry maps generator names to generator factory functions
var Registry = map[string]func(Lengths) Generator{
	"sequences":  func(l Lengths) Generator { return &SequenceGenerator{Lengths: l} },
	"uniprot":    func(l Lengths) Generator { return &UniProtGenerator{Lengths: l} },
	"duplicates": func(l Lengths) Generator { return &DuplicateGenerator{Lengths: l, KeyCount: 10} },
}

// Get returns a generator by name
func Get(name string, lengths Lengths) (Generator, error) {
	factory, exists := Registry[name]
	if !exists {
		return nil, fmt.Errorf("unknown generator: %s", name)
	}
	if lengths.Min < 1 || lengths.Max < lengths.Min {
		return nil, fmt.Errorf("invalid sequence lengths %d..%d", lengths.Min, lengths.Max)
	}
	return factory(lengths), nil
}

// List returns all available generator names
func List() []string {
	var names []string
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
