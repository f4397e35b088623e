package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crownid/internal/models"
	"crownid/pkg/errors"
)

func TestLoadParamsFeedsSetParams(t *testing.T) {
	p := filepath.Join(t.TempDir(), "params.yaml")
	body := "- n_estimators: 25\n  learning_rate: 0.05\n- {}\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	params, err := LoadParams(p)
	require.NoError(t, err)
	require.Len(t, params, 2)

	gb := models.NewGradientBoosting()
	require.NoError(t, gb.SetParams(params[0]))
	assert.Equal(t, 25, gb.NEstimators)
	assert.Equal(t, 0.05, gb.LearningRate)
	assert.Empty(t, params[1])
}

func TestLoadParamsRejectsBadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("n_estimators: [1, 2\n"), 0o644))
	_, err := LoadParams(p)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestLoadGrids(t *testing.T) {
	p := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(p, []byte("n_estimators: [50, 100]\nmax_depth: [3, 6, 9]\n"), 0o644))
	grids, err := LoadGrids([]string{p})
	require.NoError(t, err)
	require.Len(t, grids, 1)
	assert.Len(t, grids[0]["max_depth"], 3)
}
