package config

import "time"

// Default returns the built-in configuration. Every value can be overridden
// by maestro.yaml or, for secrets and the listener, the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultModel: "claude-sonnet-4-5",
			MaxTokens:    8192,
		},
		Engine: EngineConfig{
			MaxIterations:      50,
			MaxConcurrentTools: 5,
			MaxUserTurns:       40,
			MaxChars:           400_000,
		},
		Supervisor: SupervisorConfig{
			Timeout:       120 * time.Second,
			MaxChainDepth: 10,
			Stream:        true,
			Allowlist: []string{
				"get_current_time",
				"read_worker_result",
				"check_worker_status",
				"get_tool_output",
				"search_tools",
			},
		},
		Queue: QueueConfig{
			WorkerCount:       4,
			PollInterval:      2 * time.Second,
			PollJitter:        500 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
			OrphanThreshold:   90 * time.Second,
			OrphanScan:        30 * time.Second,
			MaxRetries:        3,
			Allowlist: []string{
				"get_current_time",
				"get_tool_output",
				"search_tools",
				"http_*",
			},
		},
		Barrier: BarrierConfig{
			Timeout:          10 * time.Minute,
			ReapInterval:     30 * time.Second,
			CreatedOrphanAge: 5 * time.Minute,
		},
		Artifacts: ArtifactsConfig{
			BaseDir:     "./data/artifacts",
			InlineLimit: 4096,
		},
		Retention: RetentionConfig{
			EventTTL: 14 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}
