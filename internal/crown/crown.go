// Package crown reduces per-sample probability rows to crown (group) scale.
//
// Average and CSVLabels share one flattening order: ids sorted ascending and
// varying slowest, species sorted ascending within each id. Index i of
// CSVLabels' two slices annotates element i of Average's output.
package crown

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"

	"crownid/pkg/errors"
)

// GroupAggregate is the mean probability row of every sample in one crown.
type GroupAggregate[ID cmp.Ordered] struct {
	ID    ID
	Proba []float64
}

// Method names a per-crown aggregation.
type Method string

// MethodAverage takes the per-column mean of a crown's rows.
const MethodAverage Method = "average"

// ParseMethod validates an aggregation method name.
func ParseMethod(name string) (Method, error) {
	switch m := Method(name); m {
	case MethodAverage:
		return m, nil
	default:
		return "", errors.Configf("aggregation method %q (want average)", name)
	}
}

// Aggregate reduces predictions to one row per id with method.
func Aggregate[ID cmp.Ordered](method Method, predictions [][]float64, idLabels []ID) ([]GroupAggregate[ID], error) {
	switch method {
	case MethodAverage:
		return Group(predictions, idLabels)
	default:
		return nil, errors.Configf("aggregation method %q (want average)", method)
	}
}

// Average returns, for each unique id, the per-column mean of its rows,
// flattened id-major and species-minor.
func Average[ID, SP cmp.Ordered](predictions [][]float64, idLabels []ID, spLabels []SP) ([]float64, error) {
	if len(idLabels) != len(predictions) || len(spLabels) != len(predictions) {
		return nil, errors.Shapef("%d prediction rows, %d id labels, %d species labels", len(predictions), len(idLabels), len(spLabels))
	}
	species := unique(spLabels)
	for i, row := range predictions {
		if len(row) != len(species) {
			return nil, errors.Shapef("prediction row %d has %d columns, want one per species (%d)", i, len(row), len(species))
		}
	}
	groups, err := Group(predictions, idLabels)
	if err != nil {
		return nil, err
	}
	_, _, out, err := Flatten(groups, species)
	return out, err
}

// CSVLabels returns the id and species annotations for Average's output:
// each id repeated once per species, the species tiled across ids.
func CSVLabels[ID, SP cmp.Ordered](idLabels []ID, spLabels []SP) ([]ID, []SP, error) {
	if len(idLabels) != len(spLabels) {
		return nil, nil, errors.Shapef("%d id labels but %d species labels", len(idLabels), len(spLabels))
	}
	ids, sps := unique(idLabels), unique(spLabels)
	idRows := make([]ID, 0, len(ids)*len(sps))
	spRows := make([]SP, 0, len(ids)*len(sps))
	layout(ids, sps, func(id ID, sp SP, _ int) {
		idRows = append(idRows, id)
		spRows = append(spRows, sp)
	})
	return idRows, spRows, nil
}

// Group averages the rows of each id without needing per-row species labels.
// Groups come back sorted by id.
func Group[ID cmp.Ordered](predictions [][]float64, idLabels []ID) ([]GroupAggregate[ID], error) {
	if len(idLabels) != len(predictions) {
		return nil, errors.Shapef("%d prediction rows but %d id labels", len(predictions), len(idLabels))
	}
	if len(predictions) == 0 {
		return nil, nil
	}
	width := len(predictions[0])
	means := map[ID][]float64{}
	counts := map[ID]int{}
	for i, row := range predictions {
		if len(row) != width {
			return nil, errors.Shapef("prediction row %d has %d columns, want %d", i, len(row), width)
		}
		id := idLabels[i]
		m, ok := means[id]
		if !ok {
			m = make([]float64, width)
			means[id] = m
		}
		counts[id]++
		// running mean keeps identical rows exact
		n := float64(counts[id])
		for k, v := range row {
			m[k] += (v - m[k]) / n
		}
	}
	ids := unique(idLabels)
	out := make([]GroupAggregate[ID], len(ids))
	for k, id := range ids {
		out[k] = GroupAggregate[ID]{ID: id, Proba: means[id]}
	}
	return out, nil
}

// Flatten lays groups out in Average's order, annotating each value with its
// crown id and the species name of its column.
func Flatten[ID, SP cmp.Ordered](groups []GroupAggregate[ID], species []SP) ([]ID, []SP, []float64, error) {
	ids := make([]ID, len(groups))
	for i, g := range groups {
		if len(g.Proba) != len(species) {
			return nil, nil, nil, errors.Shapef("crown %v has %d probabilities for %d species", g.ID, len(g.Proba), len(species))
		}
		ids[i] = g.ID
	}
	n := len(groups) * len(species)
	idRows := make([]ID, 0, n)
	spRows := make([]SP, 0, n)
	proba := make([]float64, 0, n)
	layout(ids, species, func(id ID, sp SP, at int) {
		idRows = append(idRows, id)
		spRows = append(spRows, sp)
		proba = append(proba, groups[at/len(species)].Proba[at%len(species)])
	})
	return idRows, spRows, proba, nil
}

// layout visits every (id, species) pair id-major, species-minor; at is the
// flat position.
func layout[ID, SP any](ids []ID, species []SP, visit func(id ID, sp SP, at int)) {
	at := 0
	for _, id := range ids {
		for _, sp := range species {
			visit(id, sp, at)
			at++
		}
	}
}

// WriteCSV writes a crown_id,species,probability report from Average and
// CSVLabels output.
func WriteCSV[ID, SP cmp.Ordered](w io.Writer, ids []ID, species []SP, proba []float64) error {
	if len(ids) != len(proba) || len(species) != len(proba) {
		return errors.Shapef("%d ids, %d species, %d probabilities", len(ids), len(species), len(proba))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"crown_id", "species", "probability"}); err != nil {
		return err
	}
	for i := range proba {
		rec := []string{format(ids[i]), format(species[i]), strconv.FormatFloat(proba[i], 'f', 6, 64)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func unique[T cmp.Ordered](v []T) []T {
	out := slices.Clone(v)
	slices.Sort(out)
	return slices.Compact(out)
}

func format[T cmp.Ordered](v T) string {
	switch x := any(v).(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
