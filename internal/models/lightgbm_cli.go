package models

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"crownid/pkg/errors"
)

// LightGBMCLI trains and scores through the lightgbm executable. The model
// file lives in WorkDir, so a fitted LightGBMCLI is only portable together
// with that directory.
type LightGBMCLI struct {
	ExecPath      string
	NumLeaves     int
	MaxDepth      int
	MinDataInLeaf int
	NumIterations int
	LearningRate  float64
	Device        string
	WorkDir       string
	ModelPath     string
	ClassValues   []int
	NFeatures     int
}

func NewLightGBMCLI() *LightGBMCLI {
	return &LightGBMCLI{
		ExecPath:      "lightgbm",
		NumLeaves:     31,
		MaxDepth:      -1,
		MinDataInLeaf: 20,
		NumIterations: 200,
		LearningRate:  0.1,
		Device:        "cpu",
	}
}

func (l *LightGBMCLI) Name() string {
	if l.Device == "gpu" {
		return "LightGBM(GPU)"
	}
	return "LightGBM(CPU)"
}

func (l *LightGBMCLI) Classes() []int { return l.ClassValues }

func (l *LightGBMCLI) Clone() Classifier {
	return &LightGBMCLI{
		ExecPath:      l.ExecPath,
		NumLeaves:     l.NumLeaves,
		MaxDepth:      l.MaxDepth,
		MinDataInLeaf: l.MinDataInLeaf,
		NumIterations: l.NumIterations,
		LearningRate:  l.LearningRate,
		Device:        l.Device,
	}
}

func (l *LightGBMCLI) SetParams(p Params) error {
	for k, v := range p {
		var err error
		switch k {
		case "num_leaves":
			l.NumLeaves, err = paramInt(k, v)
		case "max_depth":
			l.MaxDepth, err = paramInt(k, v)
		case "min_data_in_leaf":
			l.MinDataInLeaf, err = paramInt(k, v)
		case "n_estimators":
			l.NumIterations, err = paramInt(k, v)
		case "learning_rate":
			l.LearningRate, err = paramFloat(k, v)
		case "device":
			l.Device, err = paramString(k, v)
		case "exec_path":
			l.ExecPath, err = paramString(k, v)
		default:
			err = unknownParam(l.Name(), k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *LightGBMCLI) Fit(X [][]float64, y []int, weights []float64) error {
	nFeats, err := checkFit(X, y, weights)
	if err != nil {
		return err
	}
	if l.WorkDir == "" {
		dir, err := os.MkdirTemp("", "crownid-lgbm-")
		if err != nil {
			return err
		}
		l.WorkDir = dir
	}
	classes, yIdx := encodeClasses(y)

	trainCSV := filepath.Join(l.WorkDir, "train.csv")
	if err := writeCSVLabelFirst(trainCSV, X, yIdx); err != nil {
		return err
	}
	if weights != nil {
		// lightgbm picks up <data>.weight next to the data file
		if err := writeColumn(trainCSV+".weight", weights); err != nil {
			return err
		}
	}

	modelPath := filepath.Join(l.WorkDir, "model.txt")
	conf := filepath.Join(l.WorkDir, "train.conf")
	device := l.Device
	if device == "" {
		device = "cpu"
	}
	cfg := fmt.Sprintf("task=train\nboosting=gbdt\nobjective=multiclass\nnum_class=%d\nmetric=multi_logloss\n"+
		"data=%s\nheader=false\nlabel_column=0\n"+
		"num_leaves=%d\nmax_depth=%d\nmin_data_in_leaf=%d\n"+
		"num_iterations=%d\nlearning_rate=%f\n"+
		"device=%s\noutput_model=%s\nverbosity=-1\n",
		len(classes), trainCSV, l.NumLeaves, l.MaxDepth, l.MinDataInLeaf, l.NumIterations, l.LearningRate,
		device, modelPath,
	)
	if err := os.WriteFile(conf, []byte(cfg), 0o644); err != nil {
		return err
	}
	if out, err := exec.Command(l.ExecPath, "config="+conf).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "lightgbm train failed (is %q on PATH?): %s", l.ExecPath, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(modelPath); err != nil {
		return errors.Wrap(err, "lightgbm model not found after training")
	}
	l.ModelPath = modelPath
	l.ClassValues = classes
	l.NFeatures = nFeats
	return nil
}

func (l *LightGBMCLI) Predict(X [][]float64) ([]int, error) {
	ps, err := l.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxClasses(ps, l.ClassValues), nil
}

func (l *LightGBMCLI) PredictProba(X [][]float64) ([][]float64, error) {
	if err := checkPredict(l.Name(), X, l.NFeatures); err != nil {
		return nil, err
	}
	if len(X) == 0 {
		return [][]float64{}, nil
	}
	predCSV := filepath.Join(l.WorkDir, "pred.csv")
	if err := writeCSVLabelFirst(predCSV, X, make([]int, len(X))); err != nil {
		return nil, err
	}
	conf := filepath.Join(l.WorkDir, "predict.conf")
	outPath := filepath.Join(l.WorkDir, "preds.txt")
	cfg := fmt.Sprintf("task=predict\ninput_model=%s\ndata=%s\nheader=false\nlabel_column=0\noutput_result=%s\nverbosity=-1\n",
		l.ModelPath, predCSV, outPath,
	)
	if err := os.WriteFile(conf, []byte(cfg), 0o644); err != nil {
		return nil, err
	}
	if out, err := exec.Command(l.ExecPath, "config="+conf).CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "lightgbm predict failed: %s", strings.TrimSpace(string(out)))
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	ps := make([][]float64, 0, len(X))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		row := make([]float64, len(fields))
		for k, s := range fields {
			if row[k], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, errors.Wrapf(err, "lightgbm output line %d", len(ps)+1)
			}
		}
		if len(row) != len(l.ClassValues) {
			return nil, errors.Shapef("lightgbm output line %d has %d columns, want %d", len(ps)+1, len(row), len(l.ClassValues))
		}
		ps = append(ps, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(ps) != len(X) {
		return nil, errors.Shapef("lightgbm returned %d rows for %d samples", len(ps), len(X))
	}
	return ps, nil
}

func writeCSVLabelFirst(path string, X [][]float64, y []int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i := range X {
		fmt.Fprintf(w, "%d", y[i])
		for j := range X[i] {
			fmt.Fprintf(w, ",%g", X[i][j])
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func writeColumn(path string, v []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, x := range v {
		fmt.Fprintf(w, "%g\n", x)
	}
	return w.Flush()
}
