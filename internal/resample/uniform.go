// Package resample draws class-balanced training subsets.
package resample

import (
	"cmp"
	"math/rand"
	"slices"

	"crownid/pkg/errors"
)

// Result is a balanced draw. Rows, Classes and Other stay row-aligned; Classes
// holds indices into Labels, the sorted unique input labels.
type Result[L cmp.Ordered, T any] struct {
	Rows    [][]float64
	Classes []int
	Other   []T
	Labels  []L
}

// Uniform draws nPerClass rows with replacement from every label present in
// groupLabels, so minority classes are upsampled and majority classes
// subsampled to the same count.
func Uniform[L cmp.Ordered](features [][]float64, groupLabels []L, nPerClass int, rng *rand.Rand) (Result[L, struct{}], error) {
	return draw[L, struct{}](features, groupLabels, nPerClass, nil, rng)
}

// UniformWith is Uniform plus an auxiliary slice sampled with the same indices.
func UniformWith[L cmp.Ordered, T any](features [][]float64, groupLabels []L, nPerClass int, other []T, rng *rand.Rand) (Result[L, T], error) {
	if len(other) != len(features) {
		return Result[L, T]{}, errors.Shapef("auxiliary slice has %d rows, features have %d", len(other), len(features))
	}
	return draw(features, groupLabels, nPerClass, other, rng)
}

func draw[L cmp.Ordered, T any](features [][]float64, groupLabels []L, nPerClass int, other []T, rng *rand.Rand) (Result[L, T], error) {
	var res Result[L, T]
	if nPerClass <= 0 {
		return res, errors.Shapef("n per class must be positive, got %d", nPerClass)
	}
	if len(features) != len(groupLabels) {
		return res, errors.Shapef("%d feature rows but %d labels", len(features), len(groupLabels))
	}
	if len(features) == 0 {
		return res, errors.Shapef("nothing to resample")
	}
	if rng == nil {
		return res, errors.Configf("resample needs a random source")
	}

	members := map[L][]int{}
	for i, l := range groupLabels {
		members[l] = append(members[l], i)
	}
	labels := make([]L, 0, len(members))
	for l := range members {
		labels = append(labels, l)
	}
	slices.Sort(labels)

	n := len(labels) * nPerClass
	res.Rows = make([][]float64, 0, n)
	res.Classes = make([]int, 0, n)
	if other != nil {
		res.Other = make([]T, 0, n)
	}
	for c, l := range labels {
		idx := members[l]
		for k := 0; k < nPerClass; k++ {
			i := idx[rng.Intn(len(idx))]
			res.Rows = append(res.Rows, slices.Clone(features[i]))
			res.Classes = append(res.Classes, c)
			if other != nil {
				res.Other = append(res.Other, other[i])
			}
		}
	}
	res.Labels = labels
	return res, nil
}
