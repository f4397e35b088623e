package config

import (
	"os"

	"github.com/goccy/go-yaml"

	"crownid/internal/models"
	"crownid/pkg/errors"
)

// LoadParams reads a YAML list with one hyperparameter map per model, in
// model order. An empty map leaves that model's defaults alone.
func LoadParams(path string) ([]models.Params, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrapf(errors.ErrConfiguration, "parse %s: %v", path, err)
	}
	out := make([]models.Params, len(raw))
	for i, m := range raw {
		out[i] = models.Params(m)
	}
	return out, nil
}

// LoadGrids reads one YAML parameter grid (name to candidate values) per path.
func LoadGrids(paths []string) ([]map[string][]any, error) {
	out := make([]map[string][]any, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var g map[string][]any
		if err := yaml.Unmarshal(b, &g); err != nil {
			return nil, errors.Wrapf(errors.ErrConfiguration, "parse %s: %v", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
