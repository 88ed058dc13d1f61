package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for internal consistency.
// Called after load and after every per-task override merge.
func (c *Config) Validate() error {
	var problems []string

	if c.LLM.MaxRetries < 0 {
		problems = append(problems, "llm.max_retries must be >= 0")
	}
	if c.LLM.Timeout <= 0 {
		problems = append(problems, "llm.timeout_seconds must be > 0")
	}
	if c.LLM.RetryBaseDelay <= 0 || c.LLM.RetryMaxDelay < c.LLM.RetryBaseDelay {
		problems = append(problems, "llm retry delays must satisfy 0 < base <= max")
	}
	if c.LLM.DefaultProvider != "" {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			problems = append(problems,
				fmt.Sprintf("llm.default_provider %q has no provider entry", c.LLM.DefaultProvider))
		}
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic", "mock":
		default:
			problems = append(problems,
				fmt.Sprintf("provider %q has unsupported type %q", name, p.Type))
		}
		if p.Model == "" {
			problems = append(problems, fmt.Sprintf("provider %q missing model", name))
		}
	}

	for phase, pc := range map[string]PhaseAgentConfig{
		"orchestrator": c.Agent.Orchestrator,
		"recon":        c.Agent.Recon,
		"analysis":     c.Agent.Analysis,
		"verification": c.Agent.Verification,
	} {
		if pc.MaxIterations <= 0 {
			problems = append(problems, fmt.Sprintf("agent.%s.max_iterations must be > 0", phase))
		}
		if pc.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("agent.%s timeout must be > 0", phase))
		}
	}

	if c.Tool.Timeout <= 0 {
		problems = append(problems, "tool.timeout_seconds must be > 0")
	}
	if c.Tool.MaxRetries < 0 {
		problems = append(problems, "tool.max_retries must be >= 0")
	}
	for name, ov := range c.Tool.PerTool {
		if ov.Timeout < 0 {
			problems = append(problems, fmt.Sprintf("tool.%s.timeout_seconds must be >= 0", name))
		}
		if ov.RatePerSecond < 0 {
			problems = append(problems, fmt.Sprintf("tool.%s.rate_per_second must be >= 0", name))
		}
		if ov.FallbackTool == name {
			problems = append(problems, fmt.Sprintf("tool.%s cannot fall back to itself", name))
		}
	}

	if c.Circuit.FailureThreshold <= 0 {
		problems = append(problems, "circuit.failure_threshold must be > 0")
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		problems = append(problems, "circuit.recovery_timeout_seconds must be > 0")
	}
	if c.Circuit.HalfOpenMaxCalls <= 0 {
		problems = append(problems, "circuit.half_open_max_calls must be > 0")
	}

	if c.Resource.MaxFileSizeBytes <= 0 {
		problems = append(problems, "resource.max_file_size_bytes must be > 0")
	}
	if c.Resource.MaxTotalFindings < 0 || c.Resource.MaxFindingsPerAgent < 0 {
		problems = append(problems, "resource finding limits must be >= 0")
	}
	if c.Resource.MaxContextMessages < 1 {
		problems = append(problems, "resource.max_context_messages must be >= 1")
	}
	if c.Resource.MaxToolOutputLength <= 0 {
		problems = append(problems, "resource.max_tool_output_length must be > 0")
	}

	if c.Checkpoint.Enabled {
		if c.Checkpoint.IntervalIterations <= 0 {
			problems = append(problems, "checkpoint.interval_iterations must be > 0 when enabled")
		}
		if c.Checkpoint.MaxPerTask <= 0 {
			problems = append(problems, "checkpoint.max_per_task must be > 0 when enabled")
		}
	}

	if c.Event.QueueMaxSize <= 0 {
		problems = append(problems, "event.queue_max_size must be > 0")
	}
	if c.Event.BatchSize <= 0 {
		problems = append(problems, "event.batch_size must be > 0")
	}

	if c.Security.MaxPathDepth <= 0 {
		problems = append(problems, "security.max_path_depth must be > 0")
	}

	if c.Queue.WorkerCount <= 0 {
		problems = append(problems, "queue.worker_count must be > 0")
	}
	if c.Queue.TaskTimeout <= 0 {
		problems = append(problems, "queue.task_timeout_seconds must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}
