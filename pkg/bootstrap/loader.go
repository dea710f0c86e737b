package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/morezero/repository-bus/pkg/repository"
)

const logPrefix = "bootstrap:loader"

// ErrNoModelsFile is returned by LoadModelsConfig when no candidate path could be read.
var ErrNoModelsFile = errors.New("bootstrap: no models file found")

// DefaultPaths are tried after explicit paths and MODELS_FILE.
var DefaultPaths = []string{"config/models.yaml", "config/models.yml", "config/models.json", "models.yaml"}

// LoadModelsConfig loads the model binding file. Paths passed in and MODELS_FILE are
// explicit: the first one given is loaded and any failure to read or parse it is returned.
// Without an explicit path DefaultPaths are tried in order, skipping files that are missing
// or do not parse. YAML and JSON files are both accepted.
func LoadModelsConfig(paths ...string) (*ModelsConfig, error) {
	var explicit []string
	for _, p := range paths {
		if p != "" {
			explicit = append(explicit, p)
		}
	}
	if envPath := os.Getenv("MODELS_FILE"); envPath != "" {
		explicit = append(explicit, envPath)
	}
	if len(explicit) > 0 {
		return loadFile(explicit[0])
	}

	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := loadFile(p)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Skipping default models file %s: %v", logPrefix, p, err))
			continue
		}
		return cfg, nil
	}

	return nil, fmt.Errorf("%w (tried %v)", ErrNoModelsFile, DefaultPaths)
}

// LoadModels loads the model binding file as LoadModelsConfig does and, when overridePath is
// set, merges that file over it with MergeModelsConfigs.
func LoadModels(path, overridePath string) (*ModelsConfig, error) {
	cfg, err := LoadModelsConfig(path)
	if err != nil {
		return nil, err
	}
	if overridePath == "" {
		return cfg, nil
	}
	override, err := loadFile(overridePath)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Merged model overrides from %s", logPrefix, overridePath))
	return MergeModelsConfigs(cfg, override), nil
}

func loadFile(path string) (*ModelsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - read models file: %w", logPrefix, err)
	}
	cfg, err := ParseModelsConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s - %s: %w", logPrefix, path, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d models from %s", logPrefix, len(cfg.Models), path))
	return cfg, nil
}

// ParseModelsConfig parses a YAML or JSON model binding document.
func ParseModelsConfig(data []byte) (*ModelsConfig, error) {
	var cfg ModelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s - invalid models file: %w", logPrefix, err)
	}
	return &cfg, nil
}

// MergeModelsConfigs merges override into base. Models are appended without duplicates and
// override's bindings win.
func MergeModelsConfigs(base, override *ModelsConfig) *ModelsConfig {
	merged := &ModelsConfig{
		Name:        base.Name,
		Collections: make(map[string]string, len(base.Collections)+len(override.Collections)),
	}
	if override.Name != "" {
		merged.Name = override.Name
	}

	seen := make(map[string]bool)
	for _, list := range [][]string{base.Models, override.Models} {
		for _, m := range list {
			if !seen[m] {
				seen[m] = true
				merged.Models = append(merged.Models, m)
			}
		}
	}
	for model, coll := range base.Collections {
		merged.Collections[model] = coll
	}
	for model, coll := range override.Collections {
		merged.Collections[model] = coll
	}
	return merged
}

// Catalog builds the repository registration table from cfg. Models listed without a
// binding are declared so that repository.Catalog.Validate reports them.
func (cfg *ModelsConfig) Catalog() *repository.Catalog {
	c := repository.NewCatalog()
	c.Declare(cfg.Models...)
	for model, coll := range cfg.Collections {
		c.Bind(model, coll)
	}
	return c
}
