// Package config loads the application configuration: built-in defaults,
// overlaid with an optional maestro.yaml, with secrets taken from the
// environment. YAML values may reference environment variables with
// {{.VAR_NAME}} template syntax.
package config

import "time"

// Config is the umbrella configuration returned by Load and threaded into
// the component constructors by main.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Engine     EngineConfig     `yaml:"engine"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Queue      QueueConfig      `yaml:"queue"`
	Barrier    BarrierConfig    `yaml:"barrier"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AllowedWSOrigins []string      `yaml:"allowed_ws_origins"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig selects the model provider. APIKey comes from the environment,
// never from YAML.
type LLMConfig struct {
	APIKey          string `yaml:"-"`
	DefaultModel    string `yaml:"default_model"`
	SummaryModel    string `yaml:"summary_model"`
	ReasoningEffort string `yaml:"reasoning_effort"`
	MaxTokens       int    `yaml:"max_tokens"`
}

// EngineConfig bounds every ReAct invocation.
type EngineConfig struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
	MaxUserTurns       int `yaml:"max_user_turns"`
	MaxChars           int `yaml:"max_chars"`
}

// SupervisorConfig tunes the lifecycle service.
type SupervisorConfig struct {
	// Timeout is how long a turn request waits before deferring; the engine
	// keeps running past it.
	Timeout       time.Duration `yaml:"timeout"`
	MaxChainDepth int           `yaml:"max_chain_depth"`
	Stream        bool          `yaml:"stream"`
	// Allowlist restricts the supervisor's regular tools; delegation tools
	// are always available on top.
	Allowlist []string `yaml:"allowlist"`
}

// QueueConfig tunes the worker pool and orphan recovery.
type QueueConfig struct {
	WorkerCount       int           `yaml:"worker_count"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollJitter        time.Duration `yaml:"poll_jitter"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OrphanThreshold   time.Duration `yaml:"orphan_threshold"`
	OrphanScan        time.Duration `yaml:"orphan_scan_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	// Allowlist restricts worker tool access; spawn_worker is never in it.
	Allowlist []string `yaml:"allowlist"`
}

// BarrierConfig tunes barrier deadlines and the reaper.
type BarrierConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	CreatedOrphanAge time.Duration `yaml:"created_orphan_age"`
}

// RetentionConfig controls pruning of the durable event log.
type RetentionConfig struct {
	EventTTL time.Duration `yaml:"event_ttl"`
	Interval time.Duration `yaml:"interval"`
}

// ArtifactsConfig locates the artifact stores on disk.
type ArtifactsConfig struct {
	BaseDir string `yaml:"base_dir"`
	// InlineLimit is the largest tool output embedded inline in a tool
	// message before being offloaded to the tool-output store.
	InlineLimit int `yaml:"inline_limit"`
}
