package engine

import (
	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/tool"
)

// buildRegistry assembles the full tool table for one task, rooted at
// the task's sandbox. Which tools a phase may actually call is decided
// by the orchestrator's per-phase allowlists.
func buildRegistry(sandbox *tool.Sandbox, cfg config.Config, pool tool.Completer) *tool.Registry {
	provider := cfg.LLM.DefaultProvider
	registry := tool.NewRegistry()
	registry.MustRegister(
		tool.NewListFilesTool(sandbox, cfg.Resource),
		tool.NewReadFileTool(sandbox, cfg.Resource),
		tool.NewSearchCodeTool(sandbox, cfg.Resource),
		tool.NewPatternMatchTool(sandbox, cfg.Resource),
		tool.NewDataflowTool(sandbox, cfg.Resource),
		tool.NewSemgrepTool(sandbox),
		tool.NewBanditTool(sandbox),
		tool.NewGitleaksTool(sandbox),
		tool.NewOSVScannerTool(sandbox),
		tool.NewNpmAuditTool(sandbox),
		tool.NewSafetyCheckTool(sandbox),
		tool.NewKunlunTool(sandbox),
		tool.NewSandboxExecuteTool(sandbox),
		tool.NewValidateVulnerabilityTool(sandbox, pool, provider),
		tool.NewThinkTool(pool, provider),
		tool.NewReflectTool(pool, provider),
		tool.NewChatTool(pool, provider),
	)
	return registry
}
