// Package features prepares spectral rows for classification: band masking,
// PCA reduction and PCA-based outlier removal.
package features

import (
	"crownid/pkg/errors"
)

// Transformer maps feature rows into another feature space. A fitted PCA is
// the only implementation; the ensemble carries one without calling it.
type Transformer interface {
	Transform(X [][]float64) ([][]float64, error)
	NComponents() int
}

// SelectBands keeps the columns whose mask entry is true.
func SelectBands(X [][]float64, mask []bool) ([][]float64, error) {
	keep := 0
	for _, m := range mask {
		if m {
			keep++
		}
	}
	if keep == 0 {
		return nil, errors.Shapef("band mask selects no bands")
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(mask) {
			return nil, errors.Shapef("row %d has %d bands, mask has %d", i, len(row), len(mask))
		}
		v := make([]float64, 0, keep)
		for j, m := range mask {
			if m {
				v = append(v, row[j])
			}
		}
		out[i] = v
	}
	return out, nil
}

// ApplyMask keeps the elements of v whose keep entry is true.
func ApplyMask[T any](v []T, keep []bool) ([]T, error) {
	if len(v) != len(keep) {
		return nil, errors.Shapef("%d values but %d mask entries", len(v), len(keep))
	}
	out := make([]T, 0, len(v))
	for i, k := range keep {
		if k {
			out = append(out, v[i])
		}
	}
	return out, nil
}

// BandNames labels the kept bands by wavelength, e.g. "b_552.4".
func BandNames(wavelengths []float64, mask []bool) []string {
	var names []string
	for i, w := range wavelengths {
		if mask == nil || (i < len(mask) && mask[i]) {
			names = append(names, "b_"+trimFloat(w))
		}
	}
	return names
}

// Prepare applies the band mask (when non-nil) and then the reducer (when
// non-nil), the same way rows were prepared for training.
func Prepare(X [][]float64, mask []bool, reducer Transformer) ([][]float64, error) {
	var err error
	if mask != nil {
		if X, err = SelectBands(X, mask); err != nil {
			return nil, err
		}
	}
	if reducer != nil {
		if X, err = reducer.Transform(X); err != nil {
			return nil, err
		}
	}
	return X, nil
}
