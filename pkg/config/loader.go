package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, overlaid with the YAML file at
// path (skipped when the file does not exist), then environment overrides
// for secrets and the listener. An empty path checks MAESTRO_CONFIG and
// falls back to ./maestro.yaml.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MAESTRO_CONFIG")
	}
	if path == "" {
		path = "maestro.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	default:
		var overlay Config
		if err := yaml.Unmarshal(ExpandEnv(data), &overlay); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config overlay: %w", err)
		}
		slog.Info("config file loaded", "path", path)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides reads the settings that only ever come from the
// environment: credentials and deployment-specific listener values.
func applyEnvOverrides(cfg *Config) {
	cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dir := os.Getenv("ARTIFACTS_DIR"); dir != "" {
		cfg.Artifacts.BaseDir = dir
	}
	if model := os.Getenv("MAESTRO_MODEL"); model != "" {
		cfg.LLM.DefaultModel = model
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required")
	}
	if c.LLM.DefaultModel == "" {
		return errors.New("llm.default_model must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.MaxIterations <= 0 {
		return errors.New("engine.max_iterations must be positive")
	}
	if c.Queue.WorkerCount <= 0 {
		return errors.New("queue.worker_count must be positive")
	}
	if c.Barrier.Timeout <= 0 {
		return errors.New("barrier.timeout must be positive")
	}
	return nil
}
