// Package calibration wraps a fitted classifier so that its probability
// outputs match observed class frequencies. The base estimator is refit on
// k-1 stratified folds and calibrated on the held-out fold, k times; the
// calibrated probability is the mean over folds.
package calibration

import (
	"encoding/gob"
	"fmt"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"

	"crownid/internal/models"
	"crownid/pkg/errors"
)

func init() {
	gob.Register(&Calibrated{})
}

type Method string

const (
	Sigmoid  Method = "sigmoid"
	Isotonic Method = "isotonic"
)

// Config is the calibration strategy: method plus cross-validation folds.
type Config struct {
	Method Method
	Folds  int
}

func DefaultConfig() Config {
	return Config{Method: Sigmoid, Folds: 3}
}

func (c Config) Validate() error {
	if c.Method != Sigmoid && c.Method != Isotonic {
		return errors.Configf("calibration method %q (want sigmoid|isotonic)", c.Method)
	}
	if c.Folds < 2 {
		return errors.Configf("calibration needs at least 2 folds, got %d", c.Folds)
	}
	return nil
}

// Fold is one base-estimator refit plus the curves fit on its held-out rows.
// Binary problems carry a single curve for the positive column.
type Fold struct {
	Model  models.Classifier
	Curves []Curve
}

// Calibrated is a classifier whose probabilities are calibrated across folds.
type Calibrated struct {
	Base        models.Classifier
	Config      Config
	Folds       []Fold
	ClassValues []int
	NFeatures   int
}

// New wraps an unfitted clone of base; call Fit to calibrate.
func New(base models.Classifier, cfg Config) *Calibrated {
	return &Calibrated{Base: base.Clone(), Config: cfg}
}

// Calibrate builds and fits a Calibrated around base in one step.
func Calibrate(base models.Classifier, cfg Config, X [][]float64, y []int, weights []float64) (*Calibrated, error) {
	c := New(base, cfg)
	if err := c.Fit(X, y, weights); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Calibrated) Name() string { return fmt.Sprintf("Calibrated(%s,%s)", c.Base.Name(), c.Config.Method) }

func (c *Calibrated) Classes() []int { return c.ClassValues }

func (c *Calibrated) Clone() models.Classifier { return New(c.Base, c.Config) }

// SetParams forwards to the base estimator used for future fits.
func (c *Calibrated) SetParams(p models.Params) error { return c.Base.SetParams(p) }

func (c *Calibrated) Fit(X [][]float64, y []int, weights []float64) error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if len(X) != len(y) {
		return errors.Shapef("%d feature rows but %d labels", len(X), len(y))
	}
	if weights != nil && len(weights) != len(y) {
		return errors.Shapef("%d sample weights but %d labels", len(weights), len(y))
	}
	classes, folds, err := stratifiedFolds(y, c.Config.Folds)
	if err != nil {
		return err
	}
	w := weights
	if w == nil {
		w = make([]float64, len(y))
		for i := range w {
			w[i] = 1
		}
	}

	fitted := make([]Fold, c.Config.Folds)
	for k := range fitted {
		var Xtr, Xte [][]float64
		var ytr, yte []int
		var wtr, wte []float64
		for i, f := range folds {
			if f == k {
				Xte, yte, wte = append(Xte, X[i]), append(yte, y[i]), append(wte, w[i])
			} else {
				Xtr, ytr, wtr = append(Xtr, X[i]), append(ytr, y[i]), append(wtr, w[i])
			}
		}
		if weights == nil {
			wtr = nil
		}
		m := c.Base.Clone()
		if err := m.Fit(Xtr, ytr, wtr); err != nil {
			return errors.Wrapf(err, "fold %d: fit %s", k, m.Name())
		}
		if !slices.Equal(m.Classes(), classes) {
			return errors.Shapef("fold %d: %s saw classes %v, want %v", k, m.Name(), m.Classes(), classes)
		}
		proba, err := m.PredictProba(Xte)
		if err != nil {
			return errors.Wrapf(err, "fold %d: predict %s", k, m.Name())
		}
		curves, err := fitCurves(c.Config.Method, proba, yte, wte, classes)
		if err != nil {
			return errors.Wrapf(err, "fold %d", k)
		}
		fitted[k] = Fold{Model: m, Curves: curves}
	}
	c.Folds = fitted
	c.ClassValues = classes
	c.NFeatures = len(X[0])
	return nil
}

func fitCurves(m Method, proba [][]float64, y []int, w []float64, classes []int) ([]Curve, error) {
	cols := []int{1}
	if len(classes) > 2 {
		cols = make([]int, len(classes))
		for k := range cols {
			cols[k] = k
		}
	}
	curves := make([]Curve, len(cols))
	f := make([]float64, len(proba))
	target := make([]bool, len(proba))
	for ci, k := range cols {
		for i := range proba {
			f[i] = proba[i][k]
			target[i] = y[i] == classes[k]
		}
		cv, err := fitCurve(m, f, target, w)
		if err != nil {
			return nil, errors.Wrapf(err, "class %d", classes[k])
		}
		curves[ci] = cv
	}
	return curves, nil
}

func (c *Calibrated) PredictProba(X [][]float64) ([][]float64, error) {
	if len(c.Folds) == 0 {
		return nil, errors.Statef("%s: predict called before fit", c.Name())
	}
	K := len(c.ClassValues)
	out := make([][]float64, len(X))
	for i := range out {
		out[i] = make([]float64, K)
	}
	for _, fold := range c.Folds {
		proba, err := fold.Model.PredictProba(X)
		if err != nil {
			return nil, err
		}
		for i, row := range proba {
			floats.Add(out[i], calibrateRow(row, fold.Curves))
		}
	}
	for i := range out {
		floats.Scale(1/float64(len(c.Folds)), out[i])
	}
	return out, nil
}

func calibrateRow(row []float64, curves []Curve) []float64 {
	K := len(row)
	out := make([]float64, K)
	if K == 2 {
		out[1] = curves[0].Apply(row[1])
		out[0] = 1 - out[1]
		return out
	}
	for k := range row {
		out[k] = curves[k].Apply(row[k])
	}
	sum := floats.Sum(out)
	if sum == 0 {
		for k := range out {
			out[k] = 1 / float64(K)
		}
		return out
	}
	floats.Scale(1/sum, out)
	return out
}

func (c *Calibrated) Predict(X [][]float64) ([]int, error) {
	proba, err := c.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(proba))
	for i, row := range proba {
		out[i] = c.ClassValues[floats.MaxIdx(row)]
	}
	return out, nil
}

// stratifiedFolds deals each class's rows round-robin across k folds. Every
// class must have at least k members so each fold sees every class.
func stratifiedFolds(y []int, k int) ([]int, []int, error) {
	counts := map[int]int{}
	for _, v := range y {
		counts[v]++
	}
	if len(counts) < 2 {
		return nil, nil, errors.Shapef("calibration needs at least 2 classes, got %d", len(counts))
	}
	classes := make([]int, 0, len(counts))
	for v, n := range counts {
		if n < k {
			return nil, nil, errors.Shapef("class %d has %d samples, fewer than %d calibration folds", v, n, k)
		}
		classes = append(classes, v)
	}
	sort.Ints(classes)
	seen := map[int]int{}
	folds := make([]int, len(y))
	for i, v := range y {
		folds[i] = seen[v] % k
		seen[v]++
	}
	return classes, folds, nil
}
