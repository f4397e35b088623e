// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"runtime"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"crownid/pkg/errors"
)

type Config struct {
	Log   LogConfig
	Model ModelConfig
	API   APIConfig
	// CPUS bounds per-model parallelism; 0 means one worker per CPU.
	CPUs int `envconfig:"CPUS" default:"1"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE"`
}

type ModelConfig struct {
	Dir string `envconfig:"MODEL_DIR" default:"models"`
	Key string `envconfig:"MODEL_KEY" default:"crownid"`
}

type APIConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Key  string `envconfig:"API_KEY"`
}

// Load reads .env files when present, then the process environment.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.CPUs < 0 {
		return errors.Configf("CPUS must not be negative, got %d", c.CPUs)
	}
	if c.Model.Key == "" {
		return errors.Configf("MODEL_KEY must not be empty")
	}
	return nil
}

// Workers resolves CPUs to a positive worker count.
func (c *Config) Workers() int {
	if c.CPUs == 0 {
		return runtime.NumCPU()
	}
	return c.CPUs
}
