// Package config loads and validates engine configuration.
//
// Configuration is assembled once at startup from an optional YAML file
// (with environment-variable template expansion) plus AGENT_* environment
// overrides. Per-task overrides are merged at task-pickup time via
// SnapshotForTask. The snapshot is passed by value downstream; no
// component reads the environment directly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMProviderConfig describes one LLM provider endpoint.
type LLMProviderConfig struct {
	// Type selects the SDK: "openai", "anthropic" or "mock".
	Type  string `yaml:"type"`
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`

	Temperature float32 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	TopP        float32 `yaml:"top_p,omitempty"`

	// MaxConcurrent bounds in-flight calls; RatePerMinute feeds the
	// per-provider token bucket.
	MaxConcurrent int     `yaml:"max_concurrent,omitempty"`
	RatePerMinute float64 `yaml:"rate_per_minute,omitempty"`

	// Per-1K-token costs in USD for cost accounting.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k,omitempty"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k,omitempty"`
}

// LLMConfig holds cross-provider LLM call parameters.
type LLMConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	Timeout        time.Duration `yaml:"timeout"`
	StreamEnabled  bool          `yaml:"stream_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`

	// DefaultProvider names the provider used when a phase doesn't pick one.
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// GlobalRatePerMinute is the shared LLM-calls-per-minute bucket across
	// all providers. Zero disables the global bucket.
	GlobalRatePerMinute float64 `yaml:"global_rate_per_minute"`
}

// PhaseAgentConfig holds per-phase loop budgets.
type PhaseAgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
	TokenBudget   int           `yaml:"token_budget"`
}

// AgentConfig groups per-phase agent budgets.
type AgentConfig struct {
	Orchestrator PhaseAgentConfig `yaml:"orchestrator"`
	Recon        PhaseAgentConfig `yaml:"recon"`
	Analysis     PhaseAgentConfig `yaml:"analysis"`
	Verification PhaseAgentConfig `yaml:"verification"`
}

// ForPhase returns the budget config for a phase name, falling back to
// the orchestrator budgets for unknown phases.
func (a AgentConfig) ForPhase(phase string) PhaseAgentConfig {
	switch phase {
	case "recon":
		return a.Recon
	case "analysis":
		return a.Analysis
	case "verification":
		return a.Verification
	default:
		return a.Orchestrator
	}
}

// ToolOverride is a per-tool configuration override.
type ToolOverride struct {
	Enabled       *bool         `yaml:"enabled,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	RatePerSecond float64       `yaml:"rate_per_second,omitempty"`
	FallbackTool  string        `yaml:"fallback_tool,omitempty"`
}

// ToolConfig holds tool execution defaults and per-tool overrides.
type ToolConfig struct {
	Timeout    time.Duration           `yaml:"timeout"`
	MaxRetries int                     `yaml:"max_retries"`
	PerTool    map[string]ToolOverride `yaml:"per_tool,omitempty"`
}

// Enabled reports whether the named tool is enabled (default true).
func (t ToolConfig) Enabled(name string) bool {
	if ov, ok := t.PerTool[name]; ok && ov.Enabled != nil {
		return *ov.Enabled
	}
	return true
}

// TimeoutFor returns the per-tool timeout or the default.
func (t ToolConfig) TimeoutFor(name string) time.Duration {
	if ov, ok := t.PerTool[name]; ok && ov.Timeout > 0 {
		return ov.Timeout
	}
	return t.Timeout
}

// FallbackFor returns the configured fallback tool name, if any.
func (t ToolConfig) FallbackFor(name string) string {
	if ov, ok := t.PerTool[name]; ok {
		return ov.FallbackTool
	}
	return ""
}

// RateFor returns the per-tool rate limit in calls per second.
// Zero means unlimited.
func (t ToolConfig) RateFor(name string) float64 {
	if ov, ok := t.PerTool[name]; ok {
		return ov.RatePerSecond
	}
	return 0
}

// CircuitConfig parameterizes the per-resource circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// ResourceConfig holds hard resource stops.
type ResourceConfig struct {
	MaxFileSizeBytes    int64 `yaml:"max_file_size_bytes"`
	MaxFilesPerScan     int   `yaml:"max_files_per_scan"`
	MaxFindingsPerAgent int   `yaml:"max_findings_per_agent"`
	MaxTotalFindings    int   `yaml:"max_total_findings"`
	MaxContextMessages  int   `yaml:"max_context_messages"`
	MaxToolOutputLength int   `yaml:"max_tool_output_length"`
}

// CheckpointConfig holds the checkpoint write policy.
type CheckpointConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalIterations int  `yaml:"interval_iterations"`
	OnPhaseComplete    bool `yaml:"on_phase_complete"`
	MaxPerTask         int  `yaml:"max_per_task"`
}

// EventConfig holds event bus policy.
type EventConfig struct {
	QueueMaxSize         int           `yaml:"queue_max_size"`
	BatchSize            int           `yaml:"batch_size"`
	SSEHeartbeatInterval time.Duration `yaml:"sse_heartbeat_interval"`
}

// SecurityConfig defines the filesystem sandbox.
type SecurityConfig struct {
	AllowedFileExtensions []string `yaml:"allowed_file_extensions"`
	BlockedDirectories    []string `yaml:"blocked_directories"`
	MaxPathDepth          int      `yaml:"max_path_depth"`

	// MaskSecrets scrubs credential material from tool output before it
	// reaches the LLM provider or the event stream.
	MaskSecrets bool `yaml:"mask_secrets"`
}

// FallbackConfig controls graceful degradation.
type FallbackConfig struct {
	ContinueOnToolFailure    bool `yaml:"continue_on_tool_failure"`
	ContinueOnPartialResults bool `yaml:"continue_on_partial_results"`
}

// QueueConfig controls task polling, claiming, and processing.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentTasks is the global running-task limit across all
	// replicas, enforced by a store count check at claim time.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// TaskTimeout is the maximum wall clock for one task execution.
	TaskTimeout             time.Duration `yaml:"task_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`
	OrphanThreshold         time.Duration `yaml:"orphan_threshold"`
}

// ServerConfig holds the SSE/metrics HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the process-wide immutable configuration snapshot.
// Copies returned by SnapshotForTask are safe to pass by value.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Tool       ToolConfig       `yaml:"tool"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Resource   ResourceConfig   `yaml:"resource"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Event      EventConfig      `yaml:"event"`
	Security   SecurityConfig   `yaml:"security"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Queue      QueueConfig      `yaml:"queue"`
	Server     ServerConfig     `yaml:"server"`

	// DatabaseURL is read from env only (never from the YAML file).
	DatabaseURL string `yaml:"-"`
}

// Load reads the YAML file at path (if non-empty), expands environment
// templates, applies AGENT_* environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"providers", len(cfg.LLM.Providers),
		"workers", cfg.Queue.WorkerCount,
		"checkpointing", cfg.Checkpoint.Enabled)

	return cfg, nil
}

// SnapshotForTask returns a value copy of the config with the task's
// overrides merged in. The receiver is never mutated.
func (c *Config) SnapshotForTask(overrides map[string]any) (Config, error) {
	snapshot := *c
	snapshot.LLM.Providers = copyProviders(c.LLM.Providers)
	snapshot.Tool.PerTool = copyToolOverrides(c.Tool.PerTool)
	snapshot.Security.AllowedFileExtensions = append([]string(nil), c.Security.AllowedFileExtensions...)
	snapshot.Security.BlockedDirectories = append([]string(nil), c.Security.BlockedDirectories...)

	if err := applyOverrides(&snapshot, overrides); err != nil {
		return Config{}, fmt.Errorf("invalid task overrides: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return Config{}, fmt.Errorf("task overrides produce invalid config: %w", err)
	}
	return snapshot, nil
}

func copyProviders(in map[string]LLMProviderConfig) map[string]LLMProviderConfig {
	out := make(map[string]LLMProviderConfig, len(in))
	for name, p := range in {
		out[name] = p
	}
	return out
}

func copyToolOverrides(in map[string]ToolOverride) map[string]ToolOverride {
	out := make(map[string]ToolOverride, len(in))
	for name, ov := range in {
		if ov.Enabled != nil {
			enabled := *ov.Enabled
			ov.Enabled = &enabled
		}
		out[name] = ov
	}
	return out
}
