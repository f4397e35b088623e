package ensemble

import (
	"bytes"
	"encoding/gob"

	"crownid/internal/calibration"
	"crownid/internal/features"
	"crownid/internal/models"
	"crownid/pkg/errors"
	"crownid/pkg/utils"
)

// snapshot is the gob form of an Ensemble. Calibrated is empty unless the
// ensemble reached the Calibrated state, in which case every slot has one.
type snapshot struct {
	Models      []models.Classifier
	Calibrated  []*calibration.Calibrated
	Calibration calibration.Config
	Average     bool
	Labels      []string
	BandMask    []bool
	Reducer     features.Transformer
	NFeatures   int
	State       State
}

func (e *Ensemble) GobEncode() ([]byte, error) {
	s := snapshot{
		Models:      make([]models.Classifier, len(e.slots)),
		Calibration: e.calib,
		Average:     e.average,
		Labels:      e.labels,
		BandMask:    e.bandMask,
		Reducer:     e.reducer,
		NFeatures:   e.nFeatures,
		State:       e.state,
	}
	for i, sl := range e.slots {
		s.Models[i] = sl.model
	}
	if e.state == Calibrated {
		s.Calibrated = make([]*calibration.Calibrated, len(e.slots))
		for i, sl := range e.slots {
			s.Calibrated[i] = sl.calibrated
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, errors.Wrap(err, "encode ensemble")
	}
	return buf.Bytes(), nil
}

// GobDecode restores a stored ensemble with one worker and a no-op logger;
// use SetRuntime to change either.
func (e *Ensemble) GobDecode(b []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode ensemble")
	}
	if len(s.Models) == 0 {
		return errors.Shapef("stored ensemble has no models")
	}
	if s.State == Calibrated && len(s.Calibrated) != len(s.Models) {
		return errors.Shapef("stored ensemble has %d calibrated models for %d models", len(s.Calibrated), len(s.Models))
	}
	*e = Ensemble{
		slots:     make([]slot, len(s.Models)),
		calib:     s.Calibration,
		average:   s.Average,
		labels:    s.Labels,
		bandMask:  s.BandMask,
		reducer:   s.Reducer,
		nFeatures: s.NFeatures,
		state:     s.State,
		workers:   1,
		log:       utils.OrNop(nil),
	}
	for i, m := range s.Models {
		e.slots[i].model = m
		if s.State == Calibrated {
			e.slots[i].calibrated = s.Calibrated[i]
		}
	}
	return nil
}
