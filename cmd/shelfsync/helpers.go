package main

import (
	"github.com/shelfsync/shelfsync/internal/entity"
)

// sortedKinds returns the keys of counts in canonical collection order.
func sortedKinds(counts map[entity.Kind]int) []entity.Kind {
	var kinds []entity.Kind
	for _, k := range entity.Kinds() {
		if _, ok := counts[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
