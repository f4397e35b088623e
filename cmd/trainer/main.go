package main

import (
	"fmt"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"crownid/internal/calibration"
	"crownid/internal/config"
	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/pipeline"
	"crownid/internal/report"
	"crownid/internal/store"
	"crownid/pkg/utils"
)

type args struct {
	Training     string   `help:"training CSV: crown_id followed by one column per band" arg:"-t"`
	Species      string   `help:"species CSV: crown_id, species_id, species" arg:"-s"`
	Bands        string   `help:"band CSV: Wavelength, Flag; bands flagged 0 are dropped" arg:"-b"`
	Generate     string   `help:"write a synthetic survey to this directory and train on it" arg:"-g"`
	Models       []string `help:"classifiers to ensemble: gb|rf|bagging|dt|lgbm" arg:"-m"`
	Params       string   `help:"YAML list of hyperparameter maps, one per model"`
	Reduce       int      `help:"whitened PCA components to keep, 0 keeps the bands"`
	Outliers     bool     `help:"drop PCA outliers before splitting"`
	Threshold    float64  `help:"outlier threshold in standard deviations"`
	Split        string   `help:"how to hold out test rows: sample|crown"`
	Test         float64  `help:"fraction of rows (or crowns) held out"`
	PerClass     int      `help:"resample training rows to this many per species, 0 disables"`
	Weighted     bool     `help:"weight samples inversely to species frequency"`
	Uncalibrated bool     `help:"skip probability calibration"`
	Method       string   `help:"calibration method: sigmoid|isotonic"`
	Folds        int      `help:"calibration folds"`
	Tune         []string `help:"YAML parameter grids, one per model"`
	Aggregate    string   `help:"per-crown aggregation method: average"`
	Crowns       string   `help:"write aggregated test crown probabilities to this CSV"`
	Plot         string   `help:"write a reliability diagram of the test split to this PNG"`
	Key          string   `help:"store key, defaults to MODEL_KEY"`
	CPUs         int      `help:"workers, 0 uses CPUS from the environment" arg:"-j"`
	Seed         int64    `help:"random seed for splitting and resampling"`
	Verbose      bool     `help:"debug logging" arg:"-v"`
}

func (args) Description() string {
	return "trainer fits a calibrated species ensemble on crown reflectance samples"
}

func main() {
	a := args{
		Models:    []string{"gb", "rf"},
		Threshold: 3,
		Split:     string(data.SplitSample),
		Aggregate: string(crown.MethodAverage),
		Test:      0.3,
		Method:    string(calibration.Sigmoid),
		Folds:     3,
		Seed:      1,
	}
	arg.MustParse(&a)

	cfg, err := config.Load()
	if err != nil {
		utils.Logger().Fatal("invalid configuration", zap.Error(err))
	}
	level := cfg.Log.Level
	if a.Verbose {
		level = "debug"
	}
	logger, err := utils.NewLogger(level, cfg.Log.File)
	if err != nil {
		utils.Logger().Fatal("failed to build logger", zap.Error(err))
	}
	utils.SetLogger(logger)
	defer logger.Sync()

	opts := pipeline.DefaultOptions()
	opts.Paths = data.Paths{Training: a.Training, Species: a.Species, Bands: a.Bands}
	if a.Generate != "" {
		if opts.Paths, err = data.Generate(data.DefaultSynthetic(), a.Generate); err != nil {
			logger.Fatal("failed to generate survey", zap.Error(err))
		}
		logger.Info("synthetic survey written", zap.String("dir", a.Generate))
	}
	if opts.Paths.Training == "" || opts.Paths.Species == "" {
		logger.Fatal("training and species CSVs are required (or --generate)")
	}
	if a.Params != "" {
		if opts.Params, err = config.LoadParams(a.Params); err != nil {
			logger.Fatal("failed to load params", zap.Error(err))
		}
	}
	if len(a.Tune) > 0 {
		if opts.Grids, err = config.LoadGrids(a.Tune); err != nil {
			logger.Fatal("failed to load grids", zap.Error(err))
		}
	}
	if opts.Aggregate, err = crown.ParseMethod(a.Aggregate); err != nil {
		logger.Fatal("invalid aggregation", zap.Error(err))
	}
	opts.Models = a.Models
	opts.NComponents = a.Reduce
	opts.RemoveOutliers = a.Outliers
	opts.Threshold = a.Threshold
	opts.Split = data.SplitMethod(a.Split)
	opts.TestFraction = a.Test
	opts.NPerClass = a.PerClass
	opts.Weighted = a.Weighted
	opts.Calibrate = !a.Uncalibrated
	opts.Calibration = calibration.Config{Method: calibration.Method(a.Method), Folds: a.Folds}
	opts.Workers = cfg.Workers()
	if a.CPUs > 0 {
		opts.Workers = a.CPUs
	}
	opts.Seed = a.Seed

	res, err := pipeline.Train(opts, logger)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	key := cfg.Model.Key
	if a.Key != "" {
		key = a.Key
	}
	st := store.Open(cfg.Model.Dir, 64<<20)
	if err := st.Save(key, res.Ensemble); err != nil {
		logger.Fatal("failed to save ensemble", zap.Error(err))
	}
	run := res.Run()
	if err := st.Save(key+".run", run); err != nil {
		logger.Fatal("failed to save run", zap.Error(err))
	}
	logger.Info("ensemble saved",
		zap.String("dir", cfg.Model.Dir),
		zap.String("key", key),
		zap.String("run", run.ID),
		zap.Strings("models", run.Models),
		zap.Int("train_rows", run.TrainRows),
		zap.Int("test_rows", run.TestRows),
	)

	if res.Test == nil {
		return
	}
	printSummary(run.Raw)
	if run.Calibrated != nil {
		printSummary(*run.Calibrated)
	}
	if a.Plot != "" {
		if err := report.PlotReliability(a.Plot, res.Test.Curves()...); err != nil {
			logger.Fatal("failed to plot reliability", zap.Error(err))
		}
		logger.Info("reliability diagram saved", zap.String("path", a.Plot))
	}
	if a.Crowns != "" {
		if err := res.Test.WriteCrowns(a.Crowns, res.Ensemble.Labels()); err != nil {
			logger.Fatal("failed to write crowns", zap.Error(err))
		}
		logger.Info("crown probabilities saved", zap.String("path", a.Crowns), zap.Int("crowns", len(res.Test.Crowns)))
	}
}

func printSummary(s report.Summary) {
	fmt.Printf("%-10s samples=%d accuracy=%.4f log_loss=%.4f\n", s.Name, s.Samples, s.Accuracy, s.LogLoss)
}
