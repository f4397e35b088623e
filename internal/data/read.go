// Package data reads and writes the CSV inputs of a training run and splits
// samples into train and test sets.
package data

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"crownid/pkg/errors"
)

// ReadTraining reads a training CSV whose first column is the crown id and
// whose remaining columns are band reflectances.
func ReadTraining(path string) (Training, error) {
	rows, err := readAll(path)
	if err != nil {
		return Training{}, err
	}
	return parseTraining(rows)
}

func parseTraining(rows [][]string) (Training, error) {
	if len(rows) < 2 {
		return Training{}, errors.Shapef("training table has no samples")
	}
	header := rows[0]
	if len(header) < 2 {
		return Training{}, errors.Shapef("training table needs a crown id and at least one band column")
	}
	t := Training{
		Bands:    append([]string(nil), header[1:]...),
		CrownIDs: make([]string, 0, len(rows)-1),
		X:        make([][]float64, 0, len(rows)-1),
	}
	for i, rec := range rows[1:] {
		line := i + 2
		v := make([]float64, len(rec)-1)
		for j, s := range rec[1:] {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return Training{}, errors.Wrapf(err, "line %d column %s", line, header[j+1])
			}
			v[j] = f
		}
		t.CrownIDs = append(t.CrownIDs, strings.TrimSpace(rec[0]))
		t.X = append(t.X, v)
	}
	return t, nil
}

// ReadSpecies reads a crown_id,species_id,species table. Columns are found by
// header name.
func ReadSpecies(path string) (SpeciesTable, error) {
	rows, err := readAll(path)
	if err != nil {
		return SpeciesTable{}, err
	}
	return parseSpecies(rows)
}

func parseSpecies(rows [][]string) (SpeciesTable, error) {
	if len(rows) == 0 {
		return SpeciesTable{}, errors.Shapef("species table is empty")
	}
	cols, err := columns(rows[0], "crown_id", "species_id", "species")
	if err != nil {
		return SpeciesTable{}, err
	}
	var t SpeciesTable
	for i, rec := range rows[1:] {
		id, err := strconv.Atoi(strings.TrimSpace(rec[cols[1]]))
		if err != nil {
			return SpeciesTable{}, errors.Wrapf(err, "line %d species_id", i+2)
		}
		t.CrownIDs = append(t.CrownIDs, strings.TrimSpace(rec[cols[0]]))
		t.SpeciesIDs = append(t.SpeciesIDs, id)
		t.Species = append(t.Species, strings.TrimSpace(rec[cols[2]]))
	}
	return t, nil
}

// ReadBands reads a Wavelength,Flag table; Flag 1 marks a good band.
func ReadBands(path string) (Bands, error) {
	rows, err := readAll(path)
	if err != nil {
		return Bands{}, err
	}
	return parseBands(rows)
}

func parseBands(rows [][]string) (Bands, error) {
	if len(rows) == 0 {
		return Bands{}, errors.Shapef("bands table is empty")
	}
	cols, err := columns(rows[0], "Wavelength", "Flag")
	if err != nil {
		return Bands{}, err
	}
	var b Bands
	for i, rec := range rows[1:] {
		w, err := strconv.ParseFloat(strings.TrimSpace(rec[cols[0]]), 64)
		if err != nil {
			return Bands{}, errors.Wrapf(err, "line %d Wavelength", i+2)
		}
		flag, err := strconv.Atoi(strings.TrimSpace(rec[cols[1]]))
		if err != nil {
			return Bands{}, errors.Wrapf(err, "line %d Flag", i+2)
		}
		b.Wavelengths = append(b.Wavelengths, w)
		b.Good = append(b.Good, flag == 1)
	}
	return b, nil
}

// ReadFeatures reads an unlabelled sample table in the training layout.
func ReadFeatures(r io.Reader) (Training, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Training{}, errors.Wrap(err, "read features")
	}
	return parseTraining(rows)
}

func readAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return rows, nil
}

func columns(header []string, names ...string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	out := make([]int, len(names))
	for k, n := range names {
		i, ok := pos[n]
		if !ok {
			return nil, errors.Shapef("missing column %q in header %v", n, header)
		}
		out[k] = i
	}
	return out, nil
}
