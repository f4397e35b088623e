package models

import (
	"encoding/gob"
	"fmt"
	"math"
	"sort"

	"crownid/pkg/errors"
)

// Params holds hyperparameters keyed by their snake_case name. Values may be
// any integer or float type so that decoded YAML/JSON maps can be passed
// straight through.
type Params map[string]any

//go:generate mockgen -destination=mocks/classifier.go -package=mocks crownid/internal/models Classifier

// Classifier is a trainable multiclass model. PredictProba columns follow
// Classes(), the sorted unique targets seen by the last Fit.
type Classifier interface {
	Name() string
	Fit(X [][]float64, y []int, weights []float64) error
	Predict(X [][]float64) ([]int, error)
	PredictProba(X [][]float64) ([][]float64, error)
	SetParams(p Params) error
	Classes() []int
	// Clone returns an unfitted copy carrying the same hyperparameters.
	Clone() Classifier
}

func init() {
	gob.Register(&DecisionTree{})
	gob.Register(&RandomForest{})
	gob.Register(&Bagging{})
	gob.Register(&GradientBoosting{})
	gob.Register(&LightGBMCLI{})
}

// New builds a classifier with default hyperparameters from its short name.
func New(name string) (Classifier, error) {
	switch name {
	case "gb":
		return NewGradientBoosting(), nil
	case "rf":
		return NewRandomForest(), nil
	case "bagging":
		return NewBagging(), nil
	case "dt":
		return NewDecisionTree(), nil
	case "lgbm":
		return NewLightGBMCLI(), nil
	default:
		return nil, errors.Configf("unknown classifier %q (want gb|rf|bagging|dt|lgbm)", name)
	}
}

// checkFit validates a training set and returns its feature count.
func checkFit(X [][]float64, y []int, w []float64) (int, error) {
	if len(X) == 0 {
		return 0, errors.Shapef("empty training set")
	}
	if len(X) != len(y) {
		return 0, errors.Shapef("%d feature rows but %d labels", len(X), len(y))
	}
	if w != nil && len(w) != len(y) {
		return 0, errors.Shapef("%d sample weights but %d labels", len(w), len(y))
	}
	nFeats := len(X[0])
	if nFeats == 0 {
		return 0, errors.Shapef("training rows have no features")
	}
	for i := range X {
		if len(X[i]) != nFeats {
			return 0, errors.Shapef("row %d has %d features, want %d", i, len(X[i]), nFeats)
		}
	}
	return nFeats, nil
}

func checkPredict(name string, X [][]float64, nFeats int) error {
	if nFeats == 0 {
		return errors.Statef("%s: predict called before fit", name)
	}
	for i := range X {
		if len(X[i]) != nFeats {
			return errors.Shapef("%s: row %d has %d features, model was fit on %d", name, i, len(X[i]), nFeats)
		}
	}
	return nil
}

// encodeClasses maps y onto 0..K-1 by sorted unique value.
func encodeClasses(y []int) ([]int, []int) {
	seen := map[int]struct{}{}
	for _, v := range y {
		seen[v] = struct{}{}
	}
	classes := make([]int, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Ints(classes)
	pos := make(map[int]int, len(classes))
	for i, c := range classes {
		pos[c] = i
	}
	idx := make([]int, len(y))
	for i, v := range y {
		idx[i] = pos[v]
	}
	return classes, idx
}

func unitWeights(w []float64, n int) []float64 {
	if w != nil {
		return w
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func argmaxClasses(proba [][]float64, classes []int) []int {
	out := make([]int, len(proba))
	for i, row := range proba {
		best := 0
		for k := 1; k < len(row); k++ {
			if row[k] > row[best] {
				best = k
			}
		}
		out[i] = classes[best]
	}
	return out
}

func copyInts(v []int) []int {
	if v == nil {
		return nil
	}
	out := make([]int, len(v))
	copy(out, v)
	return out
}

func paramInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Configf("param %s: %v is not an integer", key, v)
		}
		return int(n), nil
	default:
		return 0, errors.Configf("param %s: unsupported value %v (%T)", key, v, v)
	}
}

func paramFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, errors.Configf("param %s: unsupported value %v (%T)", key, v, v)
	}
}

func paramString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.Configf("param %s: want string, got %T", key, v)
	}
	return s, nil
}

func unknownParam(model, key string) error {
	return errors.Configf("%s: unknown param %q", model, key)
}

func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%v", k, p[k])
	}
	return s + "}"
}
