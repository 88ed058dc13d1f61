package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Override keys use dotted paths ("llm.max_retries"). The same key space
// is served from two sources:
//
//   - environment: AGENT_<UPPERCASE_DOTS_TO_UNDERSCORES>, applied at load
//   - per-task overrides: map[string]any on the task record, applied by
//     SnapshotForTask
//
// Setters are an explicit table: no reflection, unknown keys error.

type setter func(cfg *Config, value any) error

var overrideSetters = map[string]setter{
	"llm.max_retries":       func(c *Config, v any) error { return setInt(&c.LLM.MaxRetries, v) },
	"llm.retry_base_delay":  func(c *Config, v any) error { return setSeconds(&c.LLM.RetryBaseDelay, v) },
	"llm.retry_max_delay":   func(c *Config, v any) error { return setSeconds(&c.LLM.RetryMaxDelay, v) },
	"llm.timeout_seconds":   func(c *Config, v any) error { return setSeconds(&c.LLM.Timeout, v) },
	"llm.stream_enabled":    func(c *Config, v any) error { return setBool(&c.LLM.StreamEnabled, v) },
	"llm.cache_ttl_seconds": func(c *Config, v any) error { return setSeconds(&c.LLM.CacheTTL, v) },
	"llm.default_provider":  func(c *Config, v any) error { return setString(&c.LLM.DefaultProvider, v) },
	"llm.global_rate_per_minute": func(c *Config, v any) error {
		return setFloat(&c.LLM.GlobalRatePerMinute, v)
	},

	"agent.orchestrator.max_iterations": func(c *Config, v any) error { return setInt(&c.Agent.Orchestrator.MaxIterations, v) },
	"agent.recon.max_iterations":        func(c *Config, v any) error { return setInt(&c.Agent.Recon.MaxIterations, v) },
	"agent.analysis.max_iterations":     func(c *Config, v any) error { return setInt(&c.Agent.Analysis.MaxIterations, v) },
	"agent.verification.max_iterations": func(c *Config, v any) error { return setInt(&c.Agent.Verification.MaxIterations, v) },
	"agent.orchestrator.timeout_seconds": func(c *Config, v any) error {
		return setSeconds(&c.Agent.Orchestrator.Timeout, v)
	},
	"agent.sub.timeout_seconds": func(c *Config, v any) error {
		// One knob for all sub-agent phases.
		if err := setSeconds(&c.Agent.Recon.Timeout, v); err != nil {
			return err
		}
		if err := setSeconds(&c.Agent.Analysis.Timeout, v); err != nil {
			return err
		}
		return setSeconds(&c.Agent.Verification.Timeout, v)
	},

	"tool.timeout_seconds": func(c *Config, v any) error { return setSeconds(&c.Tool.Timeout, v) },
	"tool.max_retries":     func(c *Config, v any) error { return setInt(&c.Tool.MaxRetries, v) },

	"circuit.failure_threshold": func(c *Config, v any) error { return setInt(&c.Circuit.FailureThreshold, v) },
	"circuit.recovery_timeout_seconds": func(c *Config, v any) error {
		return setSeconds(&c.Circuit.RecoveryTimeout, v)
	},
	"circuit.half_open_max_calls": func(c *Config, v any) error { return setInt(&c.Circuit.HalfOpenMaxCalls, v) },

	"resource.max_file_size_bytes":    func(c *Config, v any) error { return setInt64(&c.Resource.MaxFileSizeBytes, v) },
	"resource.max_files_per_scan":     func(c *Config, v any) error { return setInt(&c.Resource.MaxFilesPerScan, v) },
	"resource.max_findings_per_agent": func(c *Config, v any) error { return setInt(&c.Resource.MaxFindingsPerAgent, v) },
	"resource.max_total_findings":     func(c *Config, v any) error { return setInt(&c.Resource.MaxTotalFindings, v) },
	"resource.max_context_messages":   func(c *Config, v any) error { return setInt(&c.Resource.MaxContextMessages, v) },
	"resource.max_tool_output_length": func(c *Config, v any) error { return setInt(&c.Resource.MaxToolOutputLength, v) },

	"checkpoint.enabled":             func(c *Config, v any) error { return setBool(&c.Checkpoint.Enabled, v) },
	"checkpoint.interval_iterations": func(c *Config, v any) error { return setInt(&c.Checkpoint.IntervalIterations, v) },
	"checkpoint.on_phase_complete":   func(c *Config, v any) error { return setBool(&c.Checkpoint.OnPhaseComplete, v) },
	"checkpoint.max_per_task":        func(c *Config, v any) error { return setInt(&c.Checkpoint.MaxPerTask, v) },

	"event.queue_max_size": func(c *Config, v any) error { return setInt(&c.Event.QueueMaxSize, v) },
	"event.batch_size":     func(c *Config, v any) error { return setInt(&c.Event.BatchSize, v) },
	"event.sse_heartbeat_interval_seconds": func(c *Config, v any) error {
		return setSeconds(&c.Event.SSEHeartbeatInterval, v)
	},

	"security.allowed_file_extensions": func(c *Config, v any) error {
		return setStringList(&c.Security.AllowedFileExtensions, v)
	},
	"security.blocked_directories": func(c *Config, v any) error {
		return setStringList(&c.Security.BlockedDirectories, v)
	},
	"security.max_path_depth": func(c *Config, v any) error { return setInt(&c.Security.MaxPathDepth, v) },
	"security.mask_secrets":   func(c *Config, v any) error { return setBool(&c.Security.MaskSecrets, v) },

	"fallback.continue_on_tool_failure": func(c *Config, v any) error {
		return setBool(&c.Fallback.ContinueOnToolFailure, v)
	},
	"fallback.continue_on_partial_results": func(c *Config, v any) error {
		return setBool(&c.Fallback.ContinueOnPartialResults, v)
	},

	"queue.worker_count":         func(c *Config, v any) error { return setInt(&c.Queue.WorkerCount, v) },
	"queue.max_concurrent_tasks": func(c *Config, v any) error { return setInt(&c.Queue.MaxConcurrentTasks, v) },
	"queue.task_timeout_seconds": func(c *Config, v any) error { return setSeconds(&c.Queue.TaskTimeout, v) },
}

// ApplyOverride applies a single dotted-key override to the config.
// Per-tool keys ("tool.<name>.<field>") are routed dynamically.
func ApplyOverride(cfg *Config, key string, value any) error {
	if s, ok := overrideSetters[key]; ok {
		return s(cfg, value)
	}
	if strings.HasPrefix(key, "tool.") {
		return applyToolOverride(cfg, key, value)
	}
	return fmt.Errorf("%w: %s", ErrUnknownOverrideKey, key)
}

func applyOverrides(cfg *Config, overrides map[string]any) error {
	for key, value := range overrides {
		if err := ApplyOverride(cfg, key, value); err != nil {
			return err
		}
	}
	return nil
}

// applyToolOverride handles tool.<name>.{enabled,timeout_seconds,
// rate_per_second,fallback_tool}.
func applyToolOverride(cfg *Config, key string, value any) error {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: %s", ErrUnknownOverrideKey, key)
	}
	name, field := parts[1], parts[2]

	if cfg.Tool.PerTool == nil {
		cfg.Tool.PerTool = make(map[string]ToolOverride)
	}
	ov := cfg.Tool.PerTool[name]

	switch field {
	case "enabled":
		var b bool
		if err := setBool(&b, value); err != nil {
			return err
		}
		ov.Enabled = &b
	case "timeout_seconds":
		if err := setSeconds(&ov.Timeout, value); err != nil {
			return err
		}
	case "rate_per_second":
		if err := setFloat(&ov.RatePerSecond, value); err != nil {
			return err
		}
	case "fallback_tool":
		if err := setString(&ov.FallbackTool, value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOverrideKey, key)
	}

	cfg.Tool.PerTool[name] = ov
	return nil
}

// applyEnvOverrides scans the environment for AGENT_* variables and
// applies each as an override. AGENT_LLM_MAX_RETRIES → llm.max_retries.
//
// The underscore-to-dot mapping is resolved against the setter table by
// trying each split point, since key segments themselves contain
// underscores. Per-tool keys resolve via the known tool.<name> prefix.
func applyEnvOverrides(cfg *Config) error {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "AGENT_") {
			continue
		}
		idx := strings.IndexByte(env, '=')
		if idx < 0 {
			continue
		}
		name, value := env[:idx], env[idx+1:]
		key, ok := resolveEnvKey(strings.ToLower(strings.TrimPrefix(name, "AGENT_")))
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOverrideKey, name)
		}
		if err := ApplyOverride(cfg, key, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
	return nil
}

// resolveEnvKey maps "llm_max_retries" to "llm.max_retries" by trying
// each underscore as the section separator against the setter table.
func resolveEnvKey(flat string) (string, bool) {
	for i := 0; i < len(flat); i++ {
		if flat[i] != '_' {
			continue
		}
		candidate := flat[:i] + "." + flat[i+1:]
		if _, ok := overrideSetters[candidate]; ok {
			return candidate, true
		}
		// agent.<phase>.<field> and tool.<name>.<field> need a second dot.
		for j := i + 1; j < len(flat); j++ {
			if flat[j] != '_' {
				continue
			}
			nested := flat[:i] + "." + flat[i+1:j] + "." + flat[j+1:]
			if _, ok := overrideSetters[nested]; ok {
				return nested, true
			}
			if strings.HasPrefix(nested, "tool.") && isToolOverrideField(nested) {
				return nested, true
			}
		}
	}
	return "", false
}

func isToolOverrideField(key string) bool {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return false
	}
	switch parts[2] {
	case "enabled", "timeout_seconds", "rate_per_second", "fallback_tool":
		return true
	default:
		return false
	}
}

// --- value coercion helpers ---
//
// Override values arrive as strings (environment) or as JSON-decoded
// any values (task overrides): float64, bool, string, []any.

func setInt(dst *int, v any) error {
	switch x := v.(type) {
	case int:
		*dst = x
	case float64:
		*dst = int(x)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("expected integer, got %q", x)
		}
		*dst = n
	default:
		return fmt.Errorf("expected integer, got %T", v)
	}
	return nil
}

func setInt64(dst *int64, v any) error {
	var n int
	if err := setInt(&n, v); err != nil {
		return err
	}
	*dst = int64(n)
	return nil
}

func setFloat(dst *float64, v any) error {
	switch x := v.(type) {
	case int:
		*dst = float64(x)
	case float64:
		*dst = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return fmt.Errorf("expected number, got %q", x)
		}
		*dst = f
	default:
		return fmt.Errorf("expected number, got %T", v)
	}
	return nil
}

func setBool(dst *bool, v any) error {
	switch x := v.(type) {
	case bool:
		*dst = x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("expected boolean, got %q", x)
		}
		*dst = b
	default:
		return fmt.Errorf("expected boolean, got %T", v)
	}
	return nil
}

func setString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	*dst = s
	return nil
}

// setSeconds interprets a numeric value as seconds.
func setSeconds(dst *time.Duration, v any) error {
	var f float64
	if err := setFloat(&f, v); err != nil {
		return err
	}
	*dst = time.Duration(f * float64(time.Second))
	return nil
}

func setStringList(dst *[]string, v any) error {
	switch x := v.(type) {
	case []string:
		*dst = append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string list, found %T element", item)
			}
			out = append(out, s)
		}
		*dst = out
	case string:
		// Comma-separated from environment.
		parts := strings.Split(x, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	default:
		return fmt.Errorf("expected string list, got %T", v)
	}
	return nil
}
