package data

import (
	"math/rand"
	"slices"

	"crownid/pkg/errors"
)

type SplitMethod string

const (
	// SplitSample assigns individual samples to the test set.
	SplitSample SplitMethod = "sample"
	// SplitCrown keeps every sample of a crown on the same side.
	SplitCrown SplitMethod = "crown"
)

// Split returns a mask that is true for training rows. testFraction of the
// samples (or crowns) are held out at random.
func Split(method SplitMethod, crownIDs []string, testFraction float64, rng *rand.Rand) ([]bool, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, errors.Configf("test fraction must be in (0, 1), got %v", testFraction)
	}
	train := make([]bool, len(crownIDs))
	switch method {
	case SplitSample:
		nTest := int(float64(len(crownIDs)) * testFraction)
		perm := rng.Perm(len(crownIDs))
		for i, p := range perm {
			train[p] = i >= nTest
		}
	case SplitCrown:
		ids := slices.Clone(crownIDs)
		slices.Sort(ids)
		ids = slices.Compact(ids)
		nTest := int(float64(len(ids)) * testFraction)
		if nTest == 0 || nTest == len(ids) {
			return nil, errors.Shapef("cannot hold out %v of %d crowns", testFraction, len(ids))
		}
		held := map[string]bool{}
		for i, p := range rng.Perm(len(ids)) {
			held[ids[p]] = i < nTest
		}
		for i, id := range crownIDs {
			train[i] = !held[id]
		}
	default:
		return nil, errors.Configf("split method %q (want sample|crown)", method)
	}
	return train, nil
}
