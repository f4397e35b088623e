package calibration

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crownid/internal/models"
	"crownid/pkg/errors"
)

func blobs(seed int64, nPer int, classes ...int) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	var X [][]float64
	var y []int
	for c, v := range classes {
		for i := 0; i < nPer; i++ {
			X = append(X, []float64{
				float64(c)*2 + rng.NormFloat64(),
				float64(-c) + rng.NormFloat64(),
			})
			y = append(y, v)
		}
	}
	return X, y
}

func forest() models.Classifier {
	rf := models.NewRandomForest()
	rf.NEstimators = 8
	rf.Seed = 3
	return rf
}

func TestCalibratedProbabilitiesSumToOne(t *testing.T) {
	cases := []struct {
		name    string
		method  Method
		classes []int
	}{
		{"sigmoid binary", Sigmoid, []int{0, 1}},
		{"sigmoid multiclass", Sigmoid, []int{2, 5, 9}},
		{"isotonic binary", Isotonic, []int{0, 1}},
		{"isotonic multiclass", Isotonic, []int{2, 5, 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			X, y := blobs(1, 30, tc.classes...)
			c, err := Calibrate(forest(), Config{Method: tc.method, Folds: 3}, X, y, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.classes, c.Classes())
			require.Len(t, c.Folds, 3)

			proba, err := c.PredictProba(X)
			require.NoError(t, err)
			require.Len(t, proba, len(X))
			for _, row := range proba {
				require.Len(t, row, len(tc.classes))
				sum := 0.0
				for _, p := range row {
					assert.GreaterOrEqual(t, p, 0.0)
					assert.LessOrEqual(t, p, 1.0)
					sum += p
				}
				assert.InDelta(t, 1.0, sum, 1e-9)
			}

			pred, err := c.Predict(X)
			require.NoError(t, err)
			hits := 0
			for i := range y {
				if pred[i] == y[i] {
					hits++
				}
			}
			assert.Greater(t, float64(hits)/float64(len(y)), 0.7)
		})
	}
}

func TestTooFewMembersForFolds(t *testing.T) {
	X, y := blobs(2, 10, 0, 1)
	// class 7 has two rows, fewer than three folds
	X = append(X, []float64{9, 9}, []float64{9, 8})
	y = append(y, 7, 7)
	_, err := Calibrate(forest(), DefaultConfig(), X, y, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDataShape))

	_, err = Calibrate(forest(), Config{Method: Sigmoid, Folds: 2}, X, y, nil)
	assert.NoError(t, err)
}

func TestSingleClassRejected(t *testing.T) {
	X, y := blobs(3, 10, 4)
	_, err := Calibrate(forest(), DefaultConfig(), X, y, nil)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.True(t, errors.Is(Config{Method: "beta", Folds: 3}.Validate(), errors.ErrConfiguration))
	assert.True(t, errors.Is(Config{Method: Sigmoid, Folds: 1}.Validate(), errors.ErrConfiguration))
}

func TestPredictBeforeFit(t *testing.T) {
	c := New(forest(), DefaultConfig())
	_, err := c.PredictProba([][]float64{{1, 2}})
	assert.True(t, errors.Is(err, errors.ErrState))
}

func TestFitDoesNotTouchBase(t *testing.T) {
	base := forest()
	X, y := blobs(4, 12, 0, 1)
	_, err := Calibrate(base, DefaultConfig(), X, y, nil)
	require.NoError(t, err)
	assert.Empty(t, base.Classes())
}

func TestStratifiedFolds(t *testing.T) {
	y := []int{1, 1, 1, 1, 0, 0, 0, 1, 0}
	classes, folds, err := stratifiedFolds(y, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, classes)
	assert.Equal(t, []int{0, 1, 2, 0, 0, 1, 2, 1, 0}, folds)
}

func TestSigmoidCurveIsMonotoneDecreasingInA(t *testing.T) {
	f := []float64{0.1, 0.2, 0.3, 0.4, 0.6, 0.7, 0.8, 0.9}
	y := []bool{false, false, false, true, false, true, true, true}
	w := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	cv, err := fitCurve(Sigmoid, f, y, w)
	require.NoError(t, err)
	// positive scores map to higher probabilities, so A must be negative
	assert.Less(t, cv.A, 0.0)
	assert.Less(t, cv.Apply(0.1), cv.Apply(0.9))
}

func TestIsotonicPoolsViolators(t *testing.T) {
	f := []float64{0.1, 0.2, 0.3, 0.4, 0.4}
	y := []bool{false, true, false, true, true}
	w := []float64{1, 1, 1, 1, 0}
	xs, ys := fitIsotonic(f, y, w)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, xs)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5, 1}, ys, 1e-12)

	for i := 1; i < len(ys); i++ {
		assert.LessOrEqual(t, ys[i-1], ys[i])
	}
	assert.Equal(t, 0.0, interpolate(xs, ys, -1))
	assert.Equal(t, 1.0, interpolate(xs, ys, 2))
	assert.InDelta(t, 0.75, interpolate(xs, ys, 0.35), 1e-12)
}

func TestCalibrateRowUniformWhenAllZero(t *testing.T) {
	zero := Curve{Method: Isotonic, X: []float64{0, 1}, Y: []float64{0, 0}}
	row := calibrateRow([]float64{0.2, 0.3, 0.5}, []Curve{zero, zero, zero})
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, row, 1e-12)
}

func TestGobRoundTrip(t *testing.T) {
	X, y := blobs(5, 15, 0, 1, 2)
	c, err := Calibrate(forest(), DefaultConfig(), X, y, nil)
	require.NoError(t, err)
	want, err := c.PredictProba(X)
	require.NoError(t, err)

	var m models.Classifier = c
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(&m))
	var got models.Classifier
	require.NoError(t, gob.NewDecoder(&buf).Decode(&got))
	p, err := got.PredictProba(X)
	require.NoError(t, err)
	assert.Equal(t, want, p)
}
