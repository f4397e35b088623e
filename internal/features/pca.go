package features

import (
	"encoding/gob"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"crownid/pkg/errors"
)

func init() {
	gob.Register(&PCA{})
}

// PCA is a fitted principal component projection. Whitened projections are
// scaled to unit variance per component.
type PCA struct {
	Mean       []float64
	Components [][]float64 // one row per component, in input feature space
	Variances  []float64
	Whiten     bool
}

// FitPCA fits nComponents principal components of X.
func FitPCA(X [][]float64, nComponents int, whiten bool) (*PCA, error) {
	a, err := dense(X)
	if err != nil {
		return nil, err
	}
	r, c := a.Dims()
	if nComponents <= 0 || nComponents > c || nComponents > r {
		return nil, errors.Shapef("cannot fit %d components to %dx%d data", nComponents, r, c)
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(a, nil); !ok {
		return nil, errors.Newf("PCA decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	p := &PCA{
		Mean:       make([]float64, c),
		Components: make([][]float64, nComponents),
		Variances:  vars[:nComponents],
		Whiten:     whiten,
	}
	for j := 0; j < c; j++ {
		p.Mean[j] = stat.Mean(mat.Col(nil, j, a), nil)
	}
	for k := 0; k < nComponents; k++ {
		p.Components[k] = mat.Col(nil, k, &vecs)
	}
	return p, nil
}

func (p *PCA) NComponents() int { return len(p.Components) }

// Transform projects X onto the fitted components.
func (p *PCA) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != len(p.Mean) {
			return nil, errors.Shapef("row %d has %d features, PCA was fit on %d", i, len(row), len(p.Mean))
		}
		z := make([]float64, len(p.Components))
		for k, comp := range p.Components {
			s := 0.0
			for j, v := range row {
				s += (v - p.Mean[j]) * comp[j]
			}
			if p.Whiten {
				if p.Variances[k] > 0 {
					s /= math.Sqrt(p.Variances[k])
				} else {
					s = 0
				}
			}
			z[k] = s
		}
		out[i] = z
	}
	return out, nil
}

// OutlierMask fits a whitened PCA with nPCs components and flags rows whose
// absolute score exceeds threshold on any component. The returned mask is
// true for rows to keep.
func OutlierMask(X [][]float64, nPCs int, threshold float64) ([]bool, error) {
	if threshold <= 0 {
		return nil, errors.Configf("outlier threshold must be positive, got %v", threshold)
	}
	p, err := FitPCA(X, nPCs, true)
	if err != nil {
		return nil, errors.Wrap(err, "outlier PCA")
	}
	scores, err := p.Transform(X)
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(X))
	for i, s := range scores {
		keep[i] = true
		for _, v := range s {
			if math.Abs(v) > threshold {
				keep[i] = false
				break
			}
		}
	}
	return keep, nil
}

func dense(X [][]float64) (*mat.Dense, error) {
	if len(X) == 0 || len(X[0]) == 0 {
		return nil, errors.Shapef("empty feature matrix")
	}
	c := len(X[0])
	data := make([]float64, 0, len(X)*c)
	for i, row := range X {
		if len(row) != c {
			return nil, errors.Shapef("row %d has %d features, want %d", i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(X), c, data), nil
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
