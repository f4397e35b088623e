// Package labels lines crown-level species labels up with per-sample rows and
// derives class-balancing weights.
package labels

import (
	"cmp"
	"slices"

	"crownid/pkg/errors"
)

// Unmatched fills rows whose crown id has no entry in the label table.
const Unmatched = ""

// Match is the result of MatchSpecies. PerRow is aligned with the crown id
// slice passed in.
type Match[ID cmp.Ordered] struct {
	Labels []string
	IDs    []ID
	PerRow []string
}

// MatchSpecies broadcasts the table label of every id found in both crownID
// and labelID to all rows carrying that id. IDs holds the sorted unique bulk
// ids, matched or not, and Labels the sorted unique table labels. Duplicate
// table entries keep the first.
func MatchSpecies[ID cmp.Ordered](crownID, labelID []ID, labels []string) (Match[ID], error) {
	if len(labelID) != len(labels) {
		return Match[ID]{}, errors.Shapef("%d label ids but %d labels", len(labelID), len(labels))
	}
	table := make(map[ID]string, len(labelID))
	for i, id := range labelID {
		if _, ok := table[id]; !ok {
			table[id] = labels[i]
		}
	}

	m := Match[ID]{
		Labels: uniqueSorted(labels),
		IDs:    uniqueSorted(crownID),
		PerRow: make([]string, len(crownID)),
	}
	for i, id := range crownID {
		if l, ok := table[id]; ok {
			m.PerRow[i] = l
		} else {
			m.PerRow[i] = Unmatched
		}
	}
	return m, nil
}

func uniqueSorted[T cmp.Ordered](v []T) []T {
	return slices.Compact(slices.Sorted(slices.Values(v)))
}

// SampleWeights gives every sample of class c the weight
// n_samples / (n_classes * count_c).
func SampleWeights[L cmp.Ordered](y []L) []float64 {
	counts := map[L]int{}
	for _, v := range y {
		counts[v]++
	}
	w := make([]float64, len(y))
	n, k := float64(len(y)), float64(len(counts))
	for i, v := range y {
		w[i] = n / (k * float64(counts[v]))
	}
	return w
}
