package report

import (
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Curve is one named reliability curve on a plot.
type Curve struct {
	Name string
	Bins []Bin
}

// PlotReliability saves a reliability diagram with one line per curve plus
// the diagonal of perfect calibration. Empty bins are skipped.
func PlotReliability(path string, curves ...Curve) error {
	p := plot.New()
	p.Title.Text = "Reliability"
	p.X.Label.Text = "Predicted probability"
	p.Y.Label.Text = "Observed frequency"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	diag := plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}}
	args := []interface{}{"Perfect", diag}
	for _, c := range curves {
		var pts plotter.XYs
		for _, b := range c.Bins {
			if b.Count == 0 {
				continue
			}
			pts = append(pts, plotter.XY{X: b.MeanProba, Y: b.Observed})
		}
		if len(pts) == 0 {
			continue
		}
		args = append(args, c.Name, pts)
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}
