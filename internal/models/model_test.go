package models

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os/exec"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crownid/pkg/errors"
)

// blobs draws nPer points around a distinct centre for each class value.
func blobs(seed int64, nPer int, classes ...int) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	var X [][]float64
	var y []int
	for c, v := range classes {
		for i := 0; i < nPer; i++ {
			X = append(X, []float64{
				float64(c)*4 + rng.NormFloat64()*0.5,
				float64(-c)*3 + rng.NormFloat64()*0.5,
				rng.Float64(),
			})
			y = append(y, v)
		}
	}
	return X, y
}

func accuracy(y, p []int) float64 {
	c := 0
	for i := range y {
		if y[i] == p[i] {
			c++
		}
	}
	return float64(c) / float64(len(y))
}

func classifiers() []Classifier {
	rf := NewRandomForest()
	rf.NEstimators = 10
	bg := NewBagging()
	bg.NEstimators = 10
	gb := NewGradientBoosting()
	gb.NEstimators = 20
	return []Classifier{NewDecisionTree(), rf, bg, gb}
}

func TestClassifiersSeparateBlobs(t *testing.T) {
	X, y := blobs(1, 40, 3, 7, 11)
	Xt, yt := blobs(2, 20, 3, 7, 11)
	for _, c := range classifiers() {
		t.Run(c.Name(), func(t *testing.T) {
			require.NoError(t, c.Fit(X, y, nil))
			assert.Equal(t, []int{3, 7, 11}, c.Classes())

			pred, err := c.Predict(Xt)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, accuracy(yt, pred), 0.9)

			proba, err := c.PredictProba(Xt)
			require.NoError(t, err)
			require.Len(t, proba, len(Xt))
			for _, row := range proba {
				require.Len(t, row, 3)
				sum := 0.0
				for _, p := range row {
					assert.GreaterOrEqual(t, p, 0.0)
					sum += p
				}
				assert.InDelta(t, 1.0, sum, 1e-9)
			}
		})
	}
}

func TestPredictBeforeFit(t *testing.T) {
	for _, c := range classifiers() {
		_, err := c.Predict([][]float64{{1, 2, 3}})
		assert.True(t, errors.Is(err, errors.ErrState), c.Name())
		_, err = c.PredictProba([][]float64{{1, 2, 3}})
		assert.True(t, errors.Is(err, errors.ErrState), c.Name())
	}
}

func TestFitShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		X    [][]float64
		y    []int
		w    []float64
	}{
		{"empty", nil, nil, nil},
		{"label count", [][]float64{{1}, {2}}, []int{0}, nil},
		{"weight count", [][]float64{{1}, {2}}, []int{0, 1}, []float64{1}},
		{"ragged", [][]float64{{1, 2}, {2}}, []int{0, 1}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, c := range classifiers() {
				err := c.Fit(tc.X, tc.y, tc.w)
				assert.True(t, errors.Is(err, errors.ErrDataShape), c.Name())
			}
		})
	}
}

func TestPredictFeatureMismatch(t *testing.T) {
	X, y := blobs(3, 10, 0, 1)
	dt := NewDecisionTree()
	require.NoError(t, dt.Fit(X, y, nil))
	_, err := dt.PredictProba([][]float64{{1, 2}})
	assert.True(t, errors.Is(err, errors.ErrDataShape))
}

func TestDecisionTreeUsesSampleWeights(t *testing.T) {
	// identical rows cannot be split, so the root leaf is the weighted class mix
	X := [][]float64{{1}, {1}, {1}, {1}}
	y := []int{0, 0, 1, 1}
	dt := NewDecisionTree()
	require.NoError(t, dt.Fit(X, y, []float64{3, 3, 1, 1}))
	p, err := dt.PredictProba([][]float64{{1}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.75, 0.25}, p[0], 1e-12)
}

func TestSetParams(t *testing.T) {
	rf := NewRandomForest()
	require.NoError(t, rf.SetParams(Params{"n_estimators": 5, "max_depth": float64(3), "seed": uint64(9)}))
	assert.Equal(t, 5, rf.NEstimators)
	assert.Equal(t, 3, rf.MaxDepth)
	assert.Equal(t, int64(9), rf.Seed)

	gb := NewGradientBoosting()
	require.NoError(t, gb.SetParams(Params{"learning_rate": 0.05, "n_estimators": 10}))
	assert.Equal(t, 0.05, gb.LearningRate)

	err := rf.SetParams(Params{"learning_rate": 0.1})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	err = rf.SetParams(Params{"max_depth": 2.5})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	err = NewLightGBMCLI().SetParams(Params{"device": 1})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestCloneIsUnfittedWithSameParams(t *testing.T) {
	X, y := blobs(4, 10, 0, 1)
	rf := NewRandomForest()
	rf.NEstimators = 4
	rf.Seed = 42
	require.NoError(t, rf.Fit(X, y, nil))

	c := rf.Clone().(*RandomForest)
	assert.Equal(t, 4, c.NEstimators)
	assert.Equal(t, int64(42), c.Seed)
	assert.Empty(t, c.Trees)
	_, err := c.Predict(X)
	assert.True(t, errors.Is(err, errors.ErrState))
}

func TestRandomForestSeedIsDeterministic(t *testing.T) {
	X, y := blobs(5, 15, 0, 1, 2)
	a, b := NewRandomForest(), NewRandomForest()
	a.NEstimators, b.NEstimators = 5, 5
	require.NoError(t, a.Fit(X, y, nil))
	require.NoError(t, b.Fit(X, y, nil))
	pa, err := a.PredictProba(X)
	require.NoError(t, err)
	pb, err := b.PredictProba(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestGobRoundTripThroughInterface(t *testing.T) {
	X, y := blobs(6, 15, 0, 1, 2)
	for _, c := range classifiers() {
		require.NoError(t, c.Fit(X, y, nil))
		want, err := c.PredictProba(X)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(&c))
		var got Classifier
		require.NoError(t, gob.NewDecoder(&buf).Decode(&got))

		p, err := got.PredictProba(X)
		require.NoError(t, err)
		assert.Equal(t, want, p, c.Name())
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{"gb", "rf", "bagging", "dt", "lgbm"} {
		c, err := New(name)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
	_, err := New("svm")
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEncodeClasses(t *testing.T) {
	classes, idx := encodeClasses([]int{5, -1, 5, 2})
	assert.Equal(t, []int{-1, 2, 5}, classes)
	assert.Equal(t, []int{2, 0, 2, 1}, idx)
	assert.True(t, sort.IntsAreSorted(classes))
}

func TestLightGBMCLI(t *testing.T) {
	if _, err := exec.LookPath("lightgbm"); err != nil {
		t.Skip("lightgbm not on PATH")
	}
	X, y := blobs(7, 30, 0, 1, 2)
	l := NewLightGBMCLI()
	l.WorkDir = t.TempDir()
	l.NumIterations = 20
	l.MinDataInLeaf = 5
	require.NoError(t, l.Fit(X, y, nil))
	p, err := l.PredictProba(X)
	require.NoError(t, err)
	require.Len(t, p, len(X))
	assert.Len(t, p[0], 3)
}
