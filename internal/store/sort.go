package store

import (
	"slices"

	"github.com/SirClappington/depsched/internal/domain"
)

func sortByKey(records []domain.DependencyTracking) {
	slices.SortFunc(records, func(a, b domain.DependencyTracking) int {
		return a.Key.Compare(b.Key)
	})
}
