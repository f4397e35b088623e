package pipeline

import (
	"encoding/csv"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/ensemble"
	"crownid/internal/features"
	"crownid/internal/labels"
	"crownid/internal/report"
	"crownid/pkg/errors"
	"crownid/pkg/utils"
)

// Evaluation scores a fitted ensemble on raw band rows. Rows whose crown has
// no known species still contribute to Crowns but are left out of scoring.
type Evaluation struct {
	Scored         int
	Raw            report.Summary
	RawBins        []report.Bin
	Calibrated     *report.Summary
	CalibratedBins []report.Bin
	Crowns         []crown.GroupAggregate[string]
}

// Curves returns the reliability curves for plotting.
func (ev *Evaluation) Curves() []report.Curve {
	out := []report.Curve{{Name: "raw", Bins: ev.RawBins}}
	if ev.Calibrated != nil {
		out = append(out, report.Curve{Name: "calibrated", Bins: ev.CalibratedBins})
	}
	return out
}

// Evaluate predicts t with e, preferring calibrated probabilities for the
// crown aggregates when e is calibrated. table may be empty.
func Evaluate(e *ensemble.Ensemble, t data.Training, table data.SpeciesTable, method crown.Method, bins int, log *zap.Logger) (*Evaluation, error) {
	log = utils.OrNop(log)
	X, err := features.Prepare(t.X, e.BandMask(), e.Reducer())
	if err != nil {
		return nil, err
	}
	raw, err := e.PredictProba(X, ensemble.PredictOptions{Average: true})
	if err != nil {
		return nil, err
	}
	var cal ensemble.Probabilities
	preferred := raw.Mean
	if e.IsCalibrated() {
		if cal, err = e.PredictProba(X, ensemble.PredictOptions{Calibrated: true, Average: true}); err != nil {
			return nil, err
		}
		preferred = cal.Mean
	}

	ev := &Evaluation{}
	if ev.Crowns, err = crown.Aggregate(method, preferred, t.CrownIDs); err != nil {
		return nil, err
	}

	m, err := labels.MatchSpecies(t.CrownIDs, table.CrownIDs, table.Species)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(e.Labels()))
	for k, l := range e.Labels() {
		index[l] = k
	}
	keep := make([]bool, len(m.PerRow))
	var y []int
	for i, sp := range m.PerRow {
		if k, ok := index[sp]; ok && sp != labels.Unmatched {
			keep[i] = true
			y = append(y, k)
		}
	}
	ev.Scored = len(y)
	if ev.Scored == 0 {
		log.Warn("no rows with a known species, skipping scores", zap.Int("rows", len(X)))
		return ev, nil
	}

	if ev.Raw, ev.RawBins, err = score("raw", y, raw.Mean, keep, bins); err != nil {
		return nil, err
	}
	if cal.Mean != nil {
		s, b, err := score("calibrated", y, cal.Mean, keep, bins)
		if err != nil {
			return nil, err
		}
		ev.Calibrated, ev.CalibratedBins = &s, b
	}
	log.Info("evaluation",
		zap.Int("scored", ev.Scored),
		zap.Int("crowns", len(ev.Crowns)),
		zap.Float64("accuracy", ev.Raw.Accuracy),
		zap.Float64("log_loss", ev.Raw.LogLoss),
	)
	return ev, nil
}

func score(name string, y []int, proba [][]float64, keep []bool, bins int) (report.Summary, []report.Bin, error) {
	kept, err := features.ApplyMask(proba, keep)
	if err != nil {
		return report.Summary{}, nil, err
	}
	s, err := report.Score(name, y, kept)
	if err != nil {
		return report.Summary{}, nil, err
	}
	b, err := report.Reliability(y, kept, bins)
	if err != nil {
		return report.Summary{}, nil, err
	}
	return s, b, nil
}

// WriteCrowns writes the crown aggregates as crown_id,species,probability
// rows, species named by their column in names.
func (ev *Evaluation) WriteCrowns(path string, names []string) (err error) {
	ids, species, proba, err := crown.Flatten(ev.Crowns, names)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return crown.WriteCSV(f, ids, species, proba)
}

// WriteVotes writes one row per sample: its crown id followed by the species
// each model predicts, columns in model order.
func WriteVotes(path string, e *ensemble.Ensemble, t data.Training, calibrated bool) (err error) {
	X, err := features.Prepare(t.X, e.BandMask(), e.Reducer())
	if err != nil {
		return err
	}
	votes, err := e.Predict(X, ensemble.PredictOptions{Calibrated: calibrated})
	if err != nil {
		return err
	}
	names := e.Labels()
	rows := make([][]string, 0, len(votes)+1)
	rows = append(rows, append([]string{"crown_id"}, e.ModelNames()...))
	for i, v := range votes {
		rec := make([]string, 0, len(v)+1)
		rec = append(rec, t.CrownIDs[i])
		for _, k := range v {
			if k < 0 || k >= len(names) {
				return errors.Shapef("model predicted class %d outside the %d species", k, len(names))
			}
			rec = append(rec, names[k])
		}
		rows = append(rows, rec)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return csv.NewWriter(f).WriteAll(rows)
}
