package main

import (
	"fmt"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"crownid/internal/config"
	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/ensemble"
	"crownid/internal/pipeline"
	"crownid/internal/report"
	"crownid/internal/store"
	"crownid/pkg/utils"
)

type args struct {
	Input     string `help:"CSV to predict: crown_id followed by the training band columns" arg:"-i"`
	Species   string `help:"species CSV used to score the predictions" arg:"-s"`
	Key       string `help:"store key, defaults to MODEL_KEY"`
	Crowns    string `help:"write aggregated crown probabilities to this CSV" arg:"-o"`
	Aggregate string `help:"per-crown aggregation method: average"`
	Votes     string `help:"write each model's predicted species per sample to this CSV"`
	Plot      string `help:"write a reliability diagram to this PNG"`
	Bins      int    `help:"reliability bins"`
	Runs      bool   `help:"list stored keys and exit"`
}

func (args) Description() string {
	return "analyzer scores a stored ensemble and averages its predictions per crown"
}

func main() {
	a := args{Bins: 10, Aggregate: string(crown.MethodAverage)}
	arg.MustParse(&a)

	cfg, err := config.Load()
	if err != nil {
		utils.Logger().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		utils.Logger().Fatal("failed to build logger", zap.Error(err))
	}
	utils.SetLogger(logger)
	defer logger.Sync()

	st := store.Open(cfg.Model.Dir, 0)
	if a.Runs {
		for _, k := range st.List() {
			fmt.Println(k)
		}
		return
	}
	if a.Input == "" {
		logger.Fatal("--input is required")
	}
	key := cfg.Model.Key
	if a.Key != "" {
		key = a.Key
	}
	var e ensemble.Ensemble
	if err := st.Load(key, &e); err != nil {
		logger.Fatal("failed to load ensemble", zap.String("key", key), zap.Error(err))
	}
	if err := e.SetRuntime(cfg.Workers(), logger); err != nil {
		logger.Fatal("invalid worker count", zap.Error(err))
	}
	var run pipeline.Run
	if err := st.Load(key+".run", &run); err == nil {
		logger.Info("loaded ensemble", zap.String("run", run.ID), zap.Time("created", run.Created), zap.Strings("models", run.Models))
	}

	t, err := data.ReadTraining(a.Input)
	if err != nil {
		logger.Fatal("failed to read input", zap.Error(err))
	}
	var table data.SpeciesTable
	if a.Species != "" {
		if table, err = data.ReadSpecies(a.Species); err != nil {
			logger.Fatal("failed to read species", zap.Error(err))
		}
	}

	method, err := crown.ParseMethod(a.Aggregate)
	if err != nil {
		logger.Fatal("invalid aggregation", zap.Error(err))
	}
	ev, err := pipeline.Evaluate(&e, t, table, method, a.Bins, logger)
	if err != nil {
		logger.Fatal("evaluation failed", zap.Error(err))
	}
	fmt.Printf("rows=%d scored=%d crowns=%d state=%s\n", len(t.X), ev.Scored, len(ev.Crowns), e.State())
	if ev.Scored > 0 {
		printSummary(ev.Raw)
		if ev.Calibrated != nil {
			printSummary(*ev.Calibrated)
		}
		if a.Plot != "" {
			if err := report.PlotReliability(a.Plot, ev.Curves()...); err != nil {
				logger.Fatal("failed to plot reliability", zap.Error(err))
			}
		}
	}
	if a.Crowns != "" {
		if err := ev.WriteCrowns(a.Crowns, e.Labels()); err != nil {
			logger.Fatal("failed to write crowns", zap.Error(err))
		}
		logger.Info("crown probabilities saved", zap.String("path", a.Crowns))
	}
	if a.Votes != "" {
		if err := pipeline.WriteVotes(a.Votes, &e, t, e.IsCalibrated()); err != nil {
			logger.Fatal("failed to write votes", zap.Error(err))
		}
		logger.Info("per-model votes saved", zap.String("path", a.Votes), zap.Strings("models", e.ModelNames()))
	}
}

func printSummary(s report.Summary) {
	fmt.Printf("%-10s samples=%d accuracy=%.4f log_loss=%.4f\n", s.Name, s.Samples, s.Accuracy, s.LogLoss)
}
