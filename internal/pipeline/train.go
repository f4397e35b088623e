// Package pipeline runs a full training pass from CSV inputs to a fitted,
// optionally calibrated, ensemble and scores it on held-out rows.
package pipeline

import (
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crownid/internal/calibration"
	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/ensemble"
	"crownid/internal/features"
	"crownid/internal/labels"
	"crownid/internal/models"
	"crownid/internal/resample"
	"crownid/internal/report"
	"crownid/pkg/errors"
	"crownid/pkg/utils"
)

type Options struct {
	Paths  data.Paths
	Models []string
	Params []models.Params
	Grids  []map[string][]any

	// NComponents > 0 fits a whitened PCA on the training rows.
	NComponents    int
	RemoveOutliers bool
	OutlierPCs     int
	Threshold      float64

	Split        data.SplitMethod
	TestFraction float64
	// NPerClass > 0 resamples the training rows to that many per species.
	NPerClass int
	Weighted  bool

	Aggregate crown.Method

	Calibrate   bool
	Calibration calibration.Config
	Workers     int
	Seed        int64
	Bins        int
}

func DefaultOptions() Options {
	return Options{
		Models:       []string{"gb", "rf"},
		OutlierPCs:   20,
		Threshold:    3,
		Split:        data.SplitSample,
		TestFraction: 0.3,
		Aggregate:    crown.MethodAverage,
		Calibrate:    true,
		Calibration:  calibration.DefaultConfig(),
		Workers:      1,
		Seed:         1,
		Bins:         10,
	}
}

// Result is the outcome of Train.
type Result struct {
	RunID     uuid.UUID
	Ensemble  *ensemble.Ensemble
	TrainRows int
	TestRows  int
	Outliers  int
	Test      *Evaluation

	// ResampledCrowns counts the distinct crowns drawn by resampling.
	ResampledCrowns int
}

// Run is the metadata stored next to a trained ensemble.
type Run struct {
	ID         string
	Created    time.Time
	Models     []string
	Labels     []string
	TrainRows  int
	TestRows   int
	Outliers   int
	Raw        report.Summary
	Calibrated *report.Summary
}

func (r *Result) Run() Run {
	run := Run{
		ID:        r.RunID.String(),
		Created:   time.Now().UTC(),
		Models:    r.Ensemble.ModelNames(),
		Labels:    r.Ensemble.Labels(),
		TrainRows: r.TrainRows,
		TestRows:  r.TestRows,
		Outliers:  r.Outliers,
	}
	if r.Test != nil {
		run.Raw, run.Calibrated = r.Test.Raw, r.Test.Calibrated
	}
	return run
}

// Train reads opts.Paths, fits an ensemble on the training split and
// evaluates it on the held-out split.
func Train(opts Options, log *zap.Logger) (*Result, error) {
	log = utils.OrNop(log)
	res := &Result{RunID: uuid.New()}
	log = log.With(zap.String("run", res.RunID.String()))
	rng := rand.New(rand.NewSource(opts.Seed))
	if _, err := crown.ParseMethod(string(opts.Aggregate)); err != nil {
		return nil, err
	}

	tr, err := data.ReadTraining(opts.Paths.Training)
	if err != nil {
		return nil, err
	}
	table, err := data.ReadSpecies(opts.Paths.Species)
	if err != nil {
		return nil, err
	}
	var mask []bool
	if opts.Paths.Bands != "" {
		b, err := data.ReadBands(opts.Paths.Bands)
		if err != nil {
			return nil, err
		}
		mask = b.Good
	}

	m, err := labels.MatchSpecies(tr.CrownIDs, table.CrownIDs, table.Species)
	if err != nil {
		return nil, err
	}
	matched := make([]bool, len(m.PerRow))
	for i, sp := range m.PerRow {
		matched[i] = sp != labels.Unmatched
	}
	if dropped := len(matched) - count(matched); dropped > 0 {
		log.Warn("dropping rows without a species", zap.Int("rows", dropped))
	}
	tr = tr.Subset(matched)
	species, _ := features.ApplyMask(m.PerRow, matched)
	if len(species) == 0 {
		return nil, errors.Shapef("no training row has a crown in the species table")
	}

	if opts.RemoveOutliers {
		Xm, err := features.Prepare(tr.X, mask, nil)
		if err != nil {
			return nil, err
		}
		keep, err := features.OutlierMask(Xm, min(opts.OutlierPCs, len(Xm[0])), opts.Threshold)
		if err != nil {
			return nil, err
		}
		res.Outliers = len(keep) - count(keep)
		tr = tr.Subset(keep)
		species, _ = features.ApplyMask(species, keep)
		log.Info("outliers removed", zap.Int("rows", res.Outliers), zap.Float64("threshold", opts.Threshold))
	}

	// table species without samples are left out of the class axis
	labelSet := slices.Compact(slices.Sorted(slices.Values(species)))
	if len(labelSet) < 2 {
		return nil, errors.Shapef("need at least 2 species with samples, found %d", len(labelSet))
	}
	if unused := len(m.Labels) - len(labelSet); unused > 0 {
		log.Warn("species without samples", zap.Int("species", unused))
	}

	trainMask, err := data.Split(opts.Split, tr.CrownIDs, opts.TestFraction, rng)
	if err != nil {
		return nil, err
	}
	testMask := make([]bool, len(trainMask))
	for i, v := range trainMask {
		testMask[i] = !v
	}
	train, test := tr.Subset(trainMask), tr.Subset(testMask)
	trainSpecies, _ := features.ApplyMask(species, trainMask)
	res.TrainRows, res.TestRows = len(train.X), len(test.X)

	X, err := features.Prepare(train.X, mask, nil)
	if err != nil {
		return nil, err
	}
	var reducer features.Transformer
	if opts.NComponents > 0 {
		p, err := features.FitPCA(X, min(opts.NComponents, len(X[0])), true)
		if err != nil {
			return nil, err
		}
		if X, err = p.Transform(X); err != nil {
			return nil, err
		}
		reducer = p
	}

	y := encode(trainSpecies, labelSet)
	if n := len(slices.Compact(slices.Sorted(slices.Values(y)))); n != len(labelSet) {
		return nil, errors.Shapef("training split holds %d of %d species", n, len(labelSet))
	}
	if opts.NPerClass > 0 {
		r, err := resample.UniformWith(X, y, opts.NPerClass, train.CrownIDs, rng)
		if err != nil {
			return nil, err
		}
		X, y = r.Rows, make([]int, len(r.Classes))
		for i, c := range r.Classes {
			y[i] = r.Labels[c]
		}
		res.ResampledCrowns = len(slices.Compact(slices.Sorted(slices.Values(r.Other))))
		log.Info("training rows resampled",
			zap.Int("per_class", opts.NPerClass),
			zap.Int("rows", len(X)),
			zap.Int("crowns", res.ResampledCrowns),
		)
	}
	var weights []float64
	if opts.Weighted {
		weights = labels.SampleWeights(y)
	}

	// no names keeps the ensemble's default pair
	var classifiers []models.Classifier
	for _, name := range opts.Models {
		c, err := models.New(name)
		if err != nil {
			return nil, err
		}
		classifiers = append(classifiers, c)
	}
	e, err := ensemble.New(ensemble.Config{
		Classifiers:  classifiers,
		Params:       opts.Params,
		Calibration:  opts.Calibration,
		AverageProba: true,
		Labels:       labelSet,
		BandMask:     mask,
		Reducer:      reducer,
		Workers:      max(opts.Workers, 1),
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	if len(opts.Grids) > 0 {
		if err := e.Tune(X, y, opts.Grids); err != nil {
			return nil, err
		}
	}
	if err := e.Fit(X, y, weights); err != nil {
		return nil, err
	}
	if opts.Calibrate {
		if err := e.Calibrate(X, y); err != nil {
			return nil, err
		}
	}
	res.Ensemble = e

	if res.TestRows > 0 {
		if res.Test, err = Evaluate(e, test, table, opts.Aggregate, opts.Bins, log); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// encode maps species names to their index in labels.
func encode(species, labels []string) []int {
	y := make([]int, len(species))
	for i, sp := range species {
		y[i], _ = slices.BinarySearch(labels, sp)
	}
	return y
}

func count(mask []bool) int {
	n := 0
	for _, v := range mask {
		if v {
			n++
		}
	}
	return n
}
