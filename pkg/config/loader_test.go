package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("PORT", "")
	t.Setenv("HOST", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, 10*time.Minute, cfg.Barrier.Timeout)
	assert.Equal(t, 14*24*time.Hour, cfg.Retention.EventTTL)
}

func TestLoadOverlaysYAML(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("PORT", "")
	t.Setenv("HOST", "")
	t.Setenv("MAESTRO_MODEL", "")
	path := writeConfig(t, `
server:
  port: 9090
llm:
  default_model: other-model
queue:
  worker_count: 8
  poll_interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "other-model", cfg.LLM.DefaultModel)
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval)

	// Values the overlay does not mention keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ARTIFACTS_DIR", "")
	t.Setenv("TEST_ARTIFACT_DIR", "/var/lib/maestro")
	path := writeConfig(t, `
artifacts:
  base_dir: "{{.TEST_ARTIFACT_DIR}}/artifacts"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/maestro/artifacts", cfg.Artifacts.BaseDir)
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("PORT", "7070")
	t.Setenv("MAESTRO_MODEL", "env-model")
	path := writeConfig(t, `
server:
  port: 9090
llm:
  default_model: yaml-model
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-model", cfg.LLM.DefaultModel)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.LLM.APIKey = "sk-test"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.LLM.APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.LLM.DefaultModel = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Engine.MaxIterations = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Queue.WorkerCount = -1
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Barrier.Timeout = 0
	assert.Error(t, cfg.Validate())
}

func TestExpandEnvLeavesPlainYAMLAlone(t *testing.T) {
	in := []byte("password: \"p$ss{word\"")
	assert.Equal(t, in, ExpandEnv(in))
}
