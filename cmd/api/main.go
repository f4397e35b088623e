package main

import (
	"go.uber.org/zap"

	"crownid/internal/config"
	"crownid/internal/ensemble"
	"crownid/internal/store"
	"crownid/pkg/utils"
)

func main() {
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
	load := func() (*ensemble.Ensemble, error) {
		var e ensemble.Ensemble
		if err := st.Load(cfg.Model.Key, &e); err != nil {
			return nil, err
		}
		if err := e.SetRuntime(cfg.Workers(), logger); err != nil {
			return nil, err
		}
		return &e, nil
	}
	s, err := newServer(load, cfg.API.Key, logger)
	if err != nil {
		logger.Fatal("failed to load ensemble", zap.String("dir", cfg.Model.Dir), zap.String("key", cfg.Model.Key), zap.Error(err))
	}

	logger.Info("serving", zap.String("port", cfg.API.Port))
	if err := s.router().Run(":" + cfg.API.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
