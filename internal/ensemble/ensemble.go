// Package ensemble trains a fixed list of heterogeneous classifiers on the
// same data, optionally calibrates each of them, and reports their
// per-model predictions side by side or averaged.
package ensemble

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crownid/internal/calibration"
	"crownid/internal/features"
	"crownid/internal/models"
	"crownid/pkg/errors"
	"crownid/pkg/utils"
)

// State is the ensemble lifecycle. Transitions only move forward.
type State int

const (
	Unfitted State = iota
	Fitted
	Calibrated
)

func (s State) String() string {
	switch s {
	case Unfitted:
		return "unfitted"
	case Fitted:
		return "fitted"
	case Calibrated:
		return "calibrated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config describes an ensemble at construction. A nil Classifiers list
// selects GradientBoosting and RandomForest with default hyperparameters.
type Config struct {
	Classifiers  []models.Classifier
	Params       []models.Params
	Calibration  calibration.Config
	AverageProba bool
	Labels       []string
	BandMask     []bool
	Reducer      features.Transformer
	Workers      int
	Logger       *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Calibration:  calibration.DefaultConfig(),
		AverageProba: true,
		Workers:      1,
	}
}

// slot pairs a classifier with its calibrated counterpart, nil until the
// ensemble has been calibrated.
type slot struct {
	model      models.Classifier
	calibrated *calibration.Calibrated
}

// Ensemble owns its classifiers. It does no internal locking: callers must
// not run Calibrate concurrently with calibrated predictions.
type Ensemble struct {
	slots     []slot
	calib     calibration.Config
	average   bool
	labels    []string
	bandMask  []bool
	reducer   features.Transformer
	nFeatures int
	state     State
	workers   int
	log       *zap.Logger
}

// PredictOptions selects calibrated models and probability averaging.
// Average=true is remembered by the ensemble; Average=false falls back to
// the remembered setting rather than clearing it.
type PredictOptions struct {
	Calibrated bool
	Average    bool
}

// Probabilities holds either the per-model stack, shaped
// samples x classes x models, or its mean over models, shaped
// samples x classes. Exactly one is set.
type Probabilities struct {
	Mean  [][]float64
	Stack [][][]float64
}

func (p Probabilities) Averaged() bool { return p.Mean != nil }

// Shape returns the dimensions of whichever result is set.
func (p Probabilities) Shape() []int {
	if p.Averaged() {
		if len(p.Mean) == 0 {
			return []int{0, 0}
		}
		return []int{len(p.Mean), len(p.Mean[0])}
	}
	if len(p.Stack) == 0 {
		return []int{0, 0, 0}
	}
	return []int{len(p.Stack), len(p.Stack[0]), len(p.Stack[0][0])}
}

func New(cfg Config) (*Ensemble, error) {
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		return nil, errors.Configf("workers must be at least 1, got %d", cfg.Workers)
	}
	classifiers := cfg.Classifiers
	if classifiers == nil {
		classifiers = []models.Classifier{models.NewGradientBoosting(), models.NewRandomForest()}
	}
	if len(classifiers) == 0 {
		return nil, errors.Configf("ensemble needs at least one classifier")
	}
	e := &Ensemble{
		slots:    make([]slot, len(classifiers)),
		calib:    cfg.Calibration,
		average:  cfg.AverageProba,
		bandMask: cfg.BandMask,
		reducer:  cfg.Reducer,
		workers:  cfg.Workers,
		log:      utils.OrNop(cfg.Logger),
	}
	for i, c := range classifiers {
		if c == nil {
			return nil, errors.Configf("classifier %d is nil", i)
		}
		e.slots[i].model = c
	}
	if cfg.Labels != nil {
		e.labels = append([]string(nil), cfg.Labels...)
	}
	if cfg.Params != nil {
		if err := e.SetParams(cfg.Params); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SetRuntime replaces the worker count and logger, e.g. after loading a
// stored ensemble.
func (e *Ensemble) SetRuntime(workers int, log *zap.Logger) error {
	if workers < 1 {
		return errors.Configf("workers must be at least 1, got %d", workers)
	}
	e.workers = workers
	e.log = utils.OrNop(log)
	return nil
}

// SetParams applies params[i] to classifier i.
func (e *Ensemble) SetParams(params []models.Params) error {
	if len(params) != len(e.slots) {
		return errors.Configf("%d parameter sets for %d models", len(params), len(e.slots))
	}
	for i, p := range params {
		if p == nil {
			continue
		}
		if err := e.slots[i].model.SetParams(p); err != nil {
			return errors.Wrapf(err, "model %d (%s)", i, e.slots[i].model.Name())
		}
	}
	return nil
}

// Fit trains every classifier on the same data. The label set is derived
// from y only if none was set before.
func (e *Ensemble) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkRows(X)
	if err != nil {
		return err
	}
	if len(X) != len(y) {
		return errors.Shapef("%d feature rows but %d labels", len(X), len(y))
	}
	if weights != nil && len(weights) != len(y) {
		return errors.Shapef("%d sample weights but %d labels", len(weights), len(y))
	}
	if want := e.expectedFeatures(); want > 0 && want != nFeats {
		return errors.Shapef("rows have %d features, band mask or reducer implies %d", nFeats, want)
	}

	err = e.forEach("fit", func(i int, s *slot) error {
		return s.model.Fit(X, y, weights)
	})
	if err != nil {
		return err
	}
	if e.labels == nil {
		e.labels = labelSet(y)
	}
	e.nFeatures = nFeats
	if e.state == Unfitted {
		e.state = Fitted
	}
	e.log.Info("ensemble fitted",
		zap.Int("models", len(e.slots)),
		zap.Int("samples", len(X)),
		zap.Int("features", nFeats),
		zap.Strings("labels", e.labels),
		zap.Stringer("state", e.state),
	)
	return nil
}

// Calibrate wraps every fitted classifier in a cross-validated calibrator.
// Results are stored only when every model calibrates.
func (e *Ensemble) Calibrate(X [][]float64, y []int) error {
	if e.state < Fitted {
		return errors.Statef("calibrate called before fit")
	}
	if len(X) != len(y) {
		return errors.Shapef("%d feature rows but %d labels", len(X), len(y))
	}
	out := make([]*calibration.Calibrated, len(e.slots))
	err := e.forEach("calibrate", func(i int, s *slot) error {
		c, err := calibration.Calibrate(s.model, e.calib, X, y, nil)
		if err != nil {
			return err
		}
		out[i] = c
		return nil
	})
	if err != nil {
		return err
	}
	for i := range e.slots {
		e.slots[i].calibrated = out[i]
	}
	e.state = Calibrated
	e.log.Info("ensemble calibrated",
		zap.String("method", string(e.calib.Method)),
		zap.Int("folds", e.calib.Folds),
		zap.Stringer("state", e.state),
	)
	return nil
}

// Predict returns one label per sample per model, shaped samples x models
// with columns in model order. No voting is applied.
func (e *Ensemble) Predict(X [][]float64, opts PredictOptions) ([][]int, error) {
	if err := e.checkPredict(opts.Calibrated); err != nil {
		return nil, err
	}
	cols := make([][]int, len(e.slots))
	err := e.forEach("predict", func(i int, s *slot) error {
		p, err := s.predictor(opts.Calibrated).Predict(X)
		cols[i] = p
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(X))
	for r := range out {
		out[r] = make([]int, len(cols))
		for m, col := range cols {
			out[r][m] = col[r]
		}
	}
	return out, nil
}

// PredictProba stacks every model's class probabilities. When averaging is
// in effect the stack is reduced to its mean over models.
func (e *Ensemble) PredictProba(X [][]float64, opts PredictOptions) (Probabilities, error) {
	if err := e.checkPredict(opts.Calibrated); err != nil {
		return Probabilities{}, err
	}
	nClasses := len(e.labels)
	per := make([][][]float64, len(e.slots))
	err := e.forEach("predict_proba", func(i int, s *slot) error {
		p, err := s.predictor(opts.Calibrated).PredictProba(X)
		if err != nil {
			return err
		}
		for r, row := range p {
			if len(row) != nClasses {
				return errors.Shapef("row %d has %d class probabilities, label set has %d", r, len(row), nClasses)
			}
		}
		per[i] = p
		return nil
	})
	if err != nil {
		return Probabilities{}, err
	}

	if opts.Average {
		e.average = true
	}
	if e.average {
		return Probabilities{Mean: meanOverModels(per, len(X), nClasses)}, nil
	}
	stack := make([][][]float64, len(X))
	for r := range stack {
		stack[r] = make([][]float64, nClasses)
		for k := range stack[r] {
			v := make([]float64, len(per))
			for m := range per {
				v[m] = per[m][r][k]
			}
			stack[r][k] = v
		}
	}
	return Probabilities{Stack: stack}, nil
}

// Tune is not provided; hyperparameters come from SetParams.
func (e *Ensemble) Tune(X [][]float64, y []int, grids []map[string][]any) error {
	return errors.Wrapf(errors.ErrUnimplemented, "hyperparameter tuning over %d grids", len(grids))
}

func (e *Ensemble) Labels() []string { return e.labels }
func (e *Ensemble) NModels() int { return len(e.slots) }
func (e *Ensemble) State() State { return e.state }
func (e *Ensemble) IsCalibrated() bool { return e.state == Calibrated }
func (e *Ensemble) AverageProba() bool { return e.average }
func (e *Ensemble) BandMask() []bool { return e.bandMask }
func (e *Ensemble) Reducer() features.Transformer { return e.reducer }
func (e *Ensemble) NFeatures() int { return e.nFeatures }
func (e *Ensemble) CalibrationConfig() calibration.Config { return e.calib }

// ModelNames lists the classifiers in model order.
func (e *Ensemble) ModelNames() []string {
	names := make([]string, len(e.slots))
	for i, s := range e.slots {
		names[i] = s.model.Name()
	}
	return names
}

func (s *slot) predictor(calibrated bool) models.Classifier {
	if calibrated {
		return s.calibrated
	}
	return s.model
}

func (e *Ensemble) checkPredict(calibrated bool) error {
	if e.state < Fitted {
		return errors.Statef("predict called before fit")
	}
	if calibrated && e.state < Calibrated {
		return errors.Statef("calibrated predictions requested before calibrate")
	}
	return nil
}

// forEach runs fn on every slot with at most e.workers in flight and
// collects every failure.
func (e *Ensemble) forEach(op string, fn func(i int, s *slot) error) error {
	errs := make([]error, len(e.slots))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range e.slots {
		g.Go(func() error {
			s := &e.slots[i]
			start := time.Now()
			if err := fn(i, s); err != nil {
				errs[i] = errors.Wrapf(err, "%s model %d (%s)", op, i, s.model.Name())
				return nil
			}
			e.log.Debug(op,
				zap.Int("model", i),
				zap.String("name", s.model.Name()),
				zap.Duration("took", time.Since(start)),
			)
			return nil
		})
	}
	_ = g.Wait()
	var me errors.MultiError
	for _, err := range errs {
		me.Add(err)
	}
	return me.ToError()
}

func (e *Ensemble) expectedFeatures() int {
	if e.reducer != nil {
		return e.reducer.NComponents()
	}
	if e.bandMask != nil {
		n := 0
		for _, m := range e.bandMask {
			if m {
				n++
			}
		}
		return n
	}
	return 0
}

// meanOverModels uses a running mean so identical inputs average to
// themselves exactly.
func meanOverModels(per [][][]float64, rows, nClasses int) [][]float64 {
	out := make([][]float64, rows)
	for r := range out {
		row := make([]float64, nClasses)
		for m := range per {
			n := float64(m + 1)
			for k := range row {
				row[k] += (per[m][r][k] - row[k]) / n
			}
		}
		out[r] = row
	}
	return out
}

func labelSet(y []int) []string {
	seen := map[int]struct{}{}
	for _, v := range y {
		seen[v] = struct{}{}
	}
	vals := make([]int, 0, len(seen))
	for v := range seen {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("SP-%d", v)
	}
	return out
}

func checkRows(X [][]float64) (int, error) {
	if len(X) == 0 {
		return 0, errors.Shapef("empty feature matrix")
	}
	n := len(X[0])
	for i, row := range X {
		if len(row) != n {
			return 0, errors.Shapef("row %d has %d features, want %d", i, len(row), n)
		}
	}
	return n, nil
}
