package data

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"

	"crownid/pkg/errors"
)

// Synthetic describes a generated spectral survey.
type Synthetic struct {
	Species        []string
	CrownsPerSp    int
	PixelsPerCrown int
	Bands          int
	Noise          float64
	Seed           int64
}

func DefaultSynthetic() Synthetic {
	return Synthetic{
		Species:        []string{"ACRU", "LITU", "PIST", "QUAL", "QURU"},
		CrownsPerSp:    12,
		PixelsPerCrown: 20,
		Bands:          60,
		Noise:          0.015,
		Seed:           1,
	}
}

// Paths are the files written by Generate.
type Paths struct {
	Training string
	Species  string
	Bands    string
}

// water absorption windows flagged as bad bands, in nm
var badWindows = [][2]float64{{1340, 1445}, {1790, 1955}, {2450, 2600}}

// Generate writes training.csv, species_id.csv and bands.csv into dir.
// Each species gets a smooth reflectance signature; crowns shift it and
// pixels add noise, so crowns are separable but not trivially so.
func Generate(s Synthetic, dir string) (Paths, error) {
	if len(s.Species) < 2 || s.CrownsPerSp < 1 || s.PixelsPerCrown < 1 || s.Bands < 2 {
		return Paths{}, errors.Configf("synthetic survey needs >=2 species and positive crown, pixel and band counts")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, err
	}
	rng := rand.New(rand.NewSource(s.Seed))
	p := Paths{
		Training: filepath.Join(dir, "training.csv"),
		Species:  filepath.Join(dir, "species_id.csv"),
		Bands:    filepath.Join(dir, "bands.csv"),
	}

	wl := make([]float64, s.Bands)
	bandRows := [][]string{{"Wavelength", "Flag"}}
	header := []string{"crown_id"}
	for b := range wl {
		wl[b] = 400 + float64(b)*(2100/float64(s.Bands-1))
		flag := "1"
		for _, w := range badWindows {
			if wl[b] >= w[0] && wl[b] <= w[1] {
				flag = "0"
			}
		}
		bandRows = append(bandRows, []string{strconv.FormatFloat(wl[b], 'f', 2, 64), flag})
		header = append(header, "b"+strconv.Itoa(b+1))
	}
	if err := writeRows(p.Bands, bandRows); err != nil {
		return Paths{}, err
	}

	signatures := make([][]float64, len(s.Species))
	for k := range signatures {
		peak := 520 + rng.Float64()*60
		plateau := 0.35 + rng.Float64()*0.2
		edge := 700 + rng.Float64()*30
		sig := make([]float64, s.Bands)
		for b, w := range wl {
			green := 0.06 * math.Exp(-math.Pow((w-peak)/40, 2))
			nir := plateau / (1 + math.Exp(-(w-edge)/15))
			swir := -0.15 * float64(k%3) / 3 * math.Max(0, (w-1400)/1100)
			sig[b] = 0.04 + green + nir + swir
		}
		signatures[k] = sig
	}

	speciesRows := [][]string{{"crown_id", "species_id", "species"}}
	trainRows := [][]string{header}
	crown := 0
	for k, sp := range s.Species {
		for c := 0; c < s.CrownsPerSp; c++ {
			crown++
			id := fmt.Sprintf("CR%04d", crown)
			speciesRows = append(speciesRows, []string{id, strconv.Itoa(k + 1), sp})
			scale := 1 + rng.NormFloat64()*0.05
			for px := 0; px < s.PixelsPerCrown; px++ {
				rec := make([]string, 0, s.Bands+1)
				rec = append(rec, id)
				shade := 1 + rng.NormFloat64()*0.03
				for b := range wl {
					v := signatures[k][b]*scale*shade + rng.NormFloat64()*s.Noise
					rec = append(rec, strconv.FormatFloat(v, 'f', 5, 64))
				}
				trainRows = append(trainRows, rec)
			}
		}
	}
	if err := writeRows(p.Species, speciesRows); err != nil {
		return Paths{}, err
	}
	if err := writeRows(p.Training, trainRows); err != nil {
		return Paths{}, err
	}
	return p, nil
}

func writeRows(path string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	if err := csv.NewWriter(f).WriteAll(rows); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
