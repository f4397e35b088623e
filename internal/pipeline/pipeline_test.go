package pipeline

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/ensemble"
	"crownid/internal/features"
	"crownid/internal/labels"
	"crownid/internal/models"
	"crownid/pkg/errors"
)

func survey(t *testing.T) data.Paths {
	t.Helper()
	s := data.DefaultSynthetic()
	s.Species = []string{"ACRU", "PIST", "QURU"}
	s.CrownsPerSp = 6
	s.PixelsPerCrown = 8
	s.Bands = 24
	p, err := data.Generate(s, t.TempDir())
	require.NoError(t, err)
	return p
}

func quick(p data.Paths) Options {
	o := DefaultOptions()
	o.Paths = p
	o.Params = []models.Params{{"n_estimators": 10}, {"n_estimators": 8}}
	return o
}

func TestTrainCalibratedEnsemble(t *testing.T) {
	res, err := Train(quick(survey(t)), zaptest.NewLogger(t))
	require.NoError(t, err)

	e := res.Ensemble
	assert.True(t, e.IsCalibrated())
	assert.Equal(t, []string{"ACRU", "PIST", "QURU"}, e.Labels())
	assert.Equal(t, 144, res.TrainRows+res.TestRows)
	assert.Positive(t, res.TestRows)

	require.NotNil(t, res.Test)
	assert.Equal(t, res.TestRows, res.Test.Scored)
	require.NotNil(t, res.Test.Calibrated)
	assert.Greater(t, res.Test.Raw.Accuracy, 0.6)
	assert.Len(t, res.Test.Curves(), 2)
	for _, g := range res.Test.Crowns {
		assert.Len(t, g.Proba, 3)
	}

	run := res.Run()
	assert.Equal(t, res.RunID.String(), run.ID)
	assert.Equal(t, e.ModelNames(), run.Models)
	assert.Equal(t, res.Test.Calibrated, run.Calibrated)
}

func TestTrainWithReducerResampleAndWeights(t *testing.T) {
	o := quick(survey(t))
	o.NComponents = 5
	o.NPerClass = 20
	o.Weighted = true
	o.RemoveOutliers = true
	o.Split = data.SplitCrown
	o.Calibrate = false

	res, err := Train(o, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ensemble.NFeatures())
	assert.Positive(t, res.ResampledCrowns)
	assert.LessOrEqual(t, res.ResampledCrowns, 18)
	assert.NotNil(t, res.Ensemble.Reducer())
	assert.False(t, res.Ensemble.IsCalibrated())
	require.NotNil(t, res.Test)
	assert.Nil(t, res.Test.Calibrated)
	assert.Len(t, res.Test.Curves(), 1)
}

func TestTrainTuneIsUnimplemented(t *testing.T) {
	o := quick(survey(t))
	o.Grids = []map[string][]any{{"n_estimators": {5, 10}}, nil}
	_, err := Train(o, nil)
	assert.True(t, errors.Is(err, errors.ErrUnimplemented))
}

func TestTrainRejectsUnknownModel(t *testing.T) {
	o := quick(survey(t))
	o.Models = []string{"svm"}
	o.Params = nil
	_, err := Train(o, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEvaluateWithoutSpeciesTable(t *testing.T) {
	p := survey(t)
	res, err := Train(quick(p), nil)
	require.NoError(t, err)

	tr, err := data.ReadTraining(p.Training)
	require.NoError(t, err)
	ev, err := Evaluate(res.Ensemble, tr, data.SpeciesTable{}, crown.MethodAverage, 10, nil)
	require.NoError(t, err)
	assert.Zero(t, ev.Scored)
	assert.Len(t, ev.Crowns, 18)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, []int{2, 0, 1, 0}, encode([]string{"c", "a", "b", "a"}, []string{"a", "b", "c"}))
}

func TestWriteCrowns(t *testing.T) {
	res, err := Train(quick(survey(t)), nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "crowns.csv")
	require.NoError(t, res.Test.WriteCrowns(path, res.Ensemble.Labels()))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, "crown_id,species,probability", lines[0])
	assert.Len(t, lines, 1+3*len(res.Test.Crowns))

	err = res.Test.WriteCrowns(path, []string{"ACRU"})
	assert.True(t, errors.Is(err, errors.ErrDataShape))
}

func TestTrainIgnoresTableSpeciesWithoutSamples(t *testing.T) {
	p := survey(t)
	f, err := os.OpenFile(p.Species, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("CR9999,9,ZZZZ\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := Train(quick(p), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ACRU", "PIST", "QURU"}, res.Ensemble.Labels())
}

func TestTrainWithoutMatchedRows(t *testing.T) {
	p := survey(t)
	require.NoError(t, os.WriteFile(p.Species, []byte("crown_id,species_id,species\nXX,1,ACRU\n"), 0o644))
	_, err := Train(quick(p), nil)
	assert.True(t, errors.Is(err, errors.ErrDataShape))
}

func TestTrainRejectsUnknownAggregation(t *testing.T) {
	o := quick(survey(t))
	o.Aggregate = "median"
	_, err := Train(o, nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestWriteCrownsMatchesAverage(t *testing.T) {
	p := survey(t)
	res, err := Train(quick(p), nil)
	require.NoError(t, err)
	e := res.Ensemble

	tr, err := data.ReadTraining(p.Training)
	require.NoError(t, err)
	table, err := data.ReadSpecies(p.Species)
	require.NoError(t, err)
	ev, err := Evaluate(e, tr, table, crown.MethodAverage, 10, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "crowns.csv")
	require.NoError(t, ev.WriteCrowns(path, e.Labels()))
	got, err := os.ReadFile(path)
	require.NoError(t, err)

	// every row is labelled here, so the per-row species route applies too
	X, err := features.Prepare(tr.X, e.BandMask(), e.Reducer())
	require.NoError(t, err)
	proba, err := e.PredictProba(X, ensemble.PredictOptions{Calibrated: true})
	require.NoError(t, err)
	m, err := labels.MatchSpecies(tr.CrownIDs, table.CrownIDs, table.Species)
	require.NoError(t, err)
	avg, err := crown.Average(proba.Mean, tr.CrownIDs, m.PerRow)
	require.NoError(t, err)
	ids, sps, err := crown.CSVLabels(tr.CrownIDs, m.PerRow)
	require.NoError(t, err)
	var want bytes.Buffer
	require.NoError(t, crown.WriteCSV(&want, ids, sps, avg))
	assert.Equal(t, want.String(), string(got))
}

func TestWriteVotes(t *testing.T) {
	p := survey(t)
	res, err := Train(quick(p), nil)
	require.NoError(t, err)
	tr, err := data.ReadTraining(p.Training)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "votes.csv")
	require.NoError(t, WriteVotes(path, res.Ensemble, tr, true))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, len(tr.X)+1)
	assert.Equal(t, append([]string{"crown_id"}, res.Ensemble.ModelNames()...), rows[0])
	for i, rec := range rows[1:] {
		assert.Equal(t, tr.CrownIDs[i], rec[0])
		for _, sp := range rec[1:] {
			assert.Contains(t, res.Ensemble.Labels(), sp)
		}
	}
}
