// Package report scores probability predictions: accuracy, multiclass log
// loss and reliability curves.
package report

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"crownid/pkg/errors"
)

// eps clips probabilities before taking logs.
const eps = 1e-15

// Summary is the holdout report for one set of probabilities.
type Summary struct {
	Name     string
	Samples  int
	Accuracy float64
	LogLoss  float64
}

// Score summarises proba against class indices y. Column k of proba belongs
// to class index k.
func Score(name string, y []int, proba [][]float64) (Summary, error) {
	acc, err := Accuracy(y, proba)
	if err != nil {
		return Summary{}, err
	}
	ll, err := LogLoss(y, proba)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Name: name, Samples: len(y), Accuracy: acc, LogLoss: ll}, nil
}

// Accuracy is the share of rows whose most likely column is the true class.
func Accuracy(y []int, proba [][]float64) (float64, error) {
	if err := check(y, proba); err != nil {
		return 0, err
	}
	hits := 0
	for i, row := range proba {
		if floats.MaxIdx(row) == y[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(y)), nil
}

// LogLoss is the mean negative log likelihood of the true class, with each
// row renormalised and clipped to [eps, 1-eps].
func LogLoss(y []int, proba [][]float64) (float64, error) {
	if err := check(y, proba); err != nil {
		return 0, err
	}
	total := 0.0
	for i, row := range proba {
		sum := floats.Sum(row)
		p := row[y[i]]
		if sum > 0 {
			p /= sum
		}
		p = math.Min(math.Max(p, eps), 1-eps)
		total -= math.Log(p)
	}
	return total / float64(len(y)), nil
}

// Bin is one reliability bucket: the mean predicted probability of its
// members and the fraction of them that were correct.
type Bin struct {
	Lower, Upper float64
	Count        int
	MeanProba    float64
	Observed     float64
}

// Reliability buckets every (row, class) probability into nBins equal-width
// bins and compares it with how often that class was the true one.
func Reliability(y []int, proba [][]float64, nBins int) ([]Bin, error) {
	if nBins < 1 {
		return nil, errors.Configf("reliability needs at least one bin, got %d", nBins)
	}
	if err := check(y, proba); err != nil {
		return nil, err
	}
	bins := make([]Bin, nBins)
	width := 1 / float64(nBins)
	for b := range bins {
		bins[b].Lower = float64(b) * width
		bins[b].Upper = float64(b+1) * width
	}
	for i, row := range proba {
		for k, p := range row {
			b := int(p / width)
			if b >= nBins {
				b = nBins - 1
			}
			if b < 0 {
				b = 0
			}
			bins[b].Count++
			bins[b].MeanProba += p
			if k == y[i] {
				bins[b].Observed++
			}
		}
	}
	for b := range bins {
		if bins[b].Count > 0 {
			bins[b].MeanProba /= float64(bins[b].Count)
			bins[b].Observed /= float64(bins[b].Count)
		}
	}
	return bins, nil
}

func check(y []int, proba [][]float64) error {
	if len(y) == 0 {
		return errors.Shapef("nothing to score")
	}
	if len(y) != len(proba) {
		return errors.Shapef("%d labels but %d probability rows", len(y), len(proba))
	}
	for i, row := range proba {
		if y[i] < 0 || y[i] >= len(row) {
			return errors.Shapef("row %d: class index %d outside %d columns", i, y[i], len(row))
		}
	}
	return nil
}
