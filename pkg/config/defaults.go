package config

import "time"

// Default returns the built-in configuration defaults. Values here are
// conservative enough for a laptop and are expected to be raised in
// production deployments.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxRetries:          3,
			RetryBaseDelay:      500 * time.Millisecond,
			RetryMaxDelay:       30 * time.Second,
			Timeout:             120 * time.Second,
			StreamEnabled:       true,
			CacheTTL:            15 * time.Minute,
			DefaultProvider:     "openai",
			GlobalRatePerMinute: 60,
			Providers: map[string]LLMProviderConfig{
				"openai": {
					Type:            "openai",
					Model:           "gpt-4o",
					APIKeyEnv:       "OPENAI_API_KEY",
					MaxConcurrent:   4,
					RatePerMinute:   30,
					InputCostPer1K:  0.0025,
					OutputCostPer1K: 0.01,
				},
				"anthropic": {
					Type:            "anthropic",
					Model:           "claude-sonnet-4-20250514",
					APIKeyEnv:       "ANTHROPIC_API_KEY",
					MaxConcurrent:   4,
					RatePerMinute:   30,
					InputCostPer1K:  0.003,
					OutputCostPer1K: 0.015,
				},
			},
		},
		Agent: AgentConfig{
			Orchestrator: PhaseAgentConfig{MaxIterations: 20, Timeout: 30 * time.Minute, TokenBudget: 500_000},
			Recon:        PhaseAgentConfig{MaxIterations: 15, Timeout: 10 * time.Minute, TokenBudget: 150_000},
			Analysis:     PhaseAgentConfig{MaxIterations: 25, Timeout: 20 * time.Minute, TokenBudget: 300_000},
			Verification: PhaseAgentConfig{MaxIterations: 15, Timeout: 10 * time.Minute, TokenBudget: 150_000},
		},
		Tool: ToolConfig{
			Timeout:    90 * time.Second,
			MaxRetries: 2,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 2,
		},
		Resource: ResourceConfig{
			MaxFileSizeBytes:    1 << 20, // 1 MiB
			MaxFilesPerScan:     5000,
			MaxFindingsPerAgent: 50,
			MaxTotalFindings:    500,
			MaxContextMessages:  40,
			MaxToolOutputLength: 32 << 10, // 32 KiB
		},
		Checkpoint: CheckpointConfig{
			Enabled:            true,
			IntervalIterations: 5,
			OnPhaseComplete:    true,
			MaxPerTask:         10,
		},
		Event: EventConfig{
			QueueMaxSize:         1000,
			BatchSize:            50,
			SSEHeartbeatInterval: 15 * time.Second,
		},
		Security: SecurityConfig{
			AllowedFileExtensions: []string{
				".py", ".js", ".ts", ".jsx", ".tsx", ".go", ".java", ".rb",
				".php", ".c", ".h", ".cpp", ".hpp", ".cs", ".rs", ".kt",
				".swift", ".scala", ".sh", ".sql", ".yaml", ".yml", ".json",
				".toml", ".xml", ".html", ".env", ".cfg", ".ini", ".txt",
				".md", ".lock", ".mod", ".sum", ".gradle", ".tf",
			},
			BlockedDirectories: []string{
				".git", "node_modules", "vendor", "venv", ".venv",
				"__pycache__", "dist", "build", ".idea", ".vscode",
			},
			MaxPathDepth: 16,
			MaskSecrets:  true,
		},
		Fallback: FallbackConfig{
			ContinueOnToolFailure:    true,
			ContinueOnPartialResults: true,
		},
		Queue: QueueConfig{
			WorkerCount:             3,
			MaxConcurrentTasks:      3,
			PollInterval:            1 * time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			TaskTimeout:             60 * time.Minute,
			GracefulShutdownTimeout: 60 * time.Minute,
			HeartbeatInterval:       30 * time.Second,
			OrphanDetectionInterval: 5 * time.Minute,
			OrphanThreshold:         5 * time.Minute,
		},
		Server: ServerConfig{
			ListenAddr: ":8089",
		},
	}
}
