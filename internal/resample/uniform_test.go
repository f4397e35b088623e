package resample

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crownid/pkg/errors"
)

func TestUniformBalancesEveryClass(t *testing.T) {
	labels := []int{4, 4, 4, 4, 4, 4, 9, 1, 1}
	features := make([][]float64, len(labels))
	for i := range features {
		features[i] = []float64{float64(i), float64(labels[i])}
	}
	for _, n := range []int{1, 2, 7, 50} {
		res, err := Uniform(features, labels, n, rand.New(rand.NewSource(int64(n))))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 9}, res.Labels)
		require.Len(t, res.Classes, 3*n)
		require.Len(t, res.Rows, 3*n)

		counts := map[int]int{}
		for i, c := range res.Classes {
			counts[c]++
			// each row keeps its own label in column 1
			assert.Equal(t, float64(res.Labels[c]), res.Rows[i][1])
		}
		assert.Equal(t, map[int]int{0: n, 1: n, 2: n}, counts)
		assert.Nil(t, res.Other)
	}
}

func TestUniformWithKeepsAlignment(t *testing.T) {
	labels := []string{"b", "a", "b", "c", "a"}
	ids := []string{"r0", "r1", "r2", "r3", "r4"}
	features := [][]float64{{0}, {1}, {2}, {3}, {4}}
	res, err := UniformWith(features, labels, 5, ids, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Labels)
	require.Len(t, res.Other, 15)
	for i := range res.Rows {
		src := int(res.Rows[i][0])
		assert.Equal(t, ids[src], res.Other[i])
		assert.Equal(t, labels[src], res.Labels[res.Classes[i]])
	}
}

func TestUniformIsSeedable(t *testing.T) {
	labels := []int{0, 0, 0, 1, 1, 2}
	features := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	a, err := Uniform(features, labels, 10, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	b, err := Uniform(features, labels, 10, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUniformCopiesRows(t *testing.T) {
	features := [][]float64{{1, 2}}
	res, err := Uniform(features, []int{0}, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	res.Rows[0][0] = 99
	assert.Equal(t, 1.0, features[0][0])
}

func TestUniformErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	features := [][]float64{{0}, {1}}
	_, err := Uniform(features, []int{0, 1}, 0, rng)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
	_, err = Uniform(features, []int{0}, 3, rng)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
	_, err = Uniform(nil, []int{}, 3, rng)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
	_, err = UniformWith(features, []int{0, 1}, 3, []string{"x"}, rng)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
	_, err = Uniform(features, []int{0, 1}, 3, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
