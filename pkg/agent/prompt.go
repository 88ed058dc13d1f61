package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/models"
)

const systemPreamble = `You are a security auditor examining a source repository.
You work in iterations: inspect code with the provided tools, reason about what
you see, and record results with the control tools. Paths are always relative
to the repository root. Be precise about file paths and line numbers; never
invent code you have not read. When you are done, call finish exactly once.`

var phaseInstructions = map[string]string{
	models.PhaseRecon: `Phase: reconnaissance.
Map the codebase before any vulnerability hunting: identify the languages and
their rough proportions, the external entry points (HTTP handlers, CLI commands,
RPC services, background workers), the dependency posture, and the paths most
worth deep analysis. Report all of it through the finish call's structured
arguments.`,

	models.PhaseAnalysis: `Phase: analysis.
Hunt for concrete vulnerabilities in the high-risk paths. Prefer issues you can
tie to a source-to-sink dataflow. Record each distinct issue with record_finding
as soon as you are reasonably confident; do not save them all for the end.
Severity reflects exploitability and impact, not code smell.`,

	models.PhaseVerification: `Phase: verification.
For each open finding listed below, decide whether it is a real, exploitable
issue. Re-read the code, trace the dataflow, and look for sanitization or guards
the analysis pass may have missed. Record a verdict for every finding with
update_finding: confirmed needs a concrete proof of concept, rejected needs the
reason it is not exploitable. If verification exposed new suspicious areas, set
continue_analysis in your finish call.`,
}

// buildSystemPrompt assembles the phase system message.
func buildSystemPrompt(phase string) string {
	instr, ok := phaseInstructions[phase]
	if !ok {
		instr = fmt.Sprintf("Phase: %s.", phase)
	}
	return systemPreamble + "\n\n" + instr
}

// buildTaskPrompt assembles the opening user message: the audit state
// summary plus the carried conversation tail.
func buildTaskPrompt(ec *ExecutionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository root: %s\n", ec.State.ProjectRoot)

	if len(ec.State.TechStack) > 0 {
		b.WriteString("Tech stack: ")
		b.WriteString(formatTechStack(ec.State.TechStack))
		b.WriteByte('\n')
	}
	if len(ec.State.EntryPoints) > 0 {
		b.WriteString("Entry points:\n")
		for _, ep := range ec.State.EntryPoints {
			fmt.Fprintf(&b, "  - %s (%s)\n", ep.Path, ep.Kind)
		}
	}
	if len(ec.State.HighRiskPaths) > 0 {
		b.WriteString("High-risk paths:\n")
		for _, p := range ec.State.HighRiskPaths {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	if ec.State.DepSummary != "" {
		fmt.Fprintf(&b, "Dependency summary: %s\n", ec.State.DepSummary)
	}

	if ec.Phase == models.PhaseVerification && len(ec.State.OpenFindings) > 0 {
		b.WriteString("\nOpen findings awaiting verification:\n")
		for _, f := range ec.State.OpenFindings {
			fmt.Fprintf(&b, "  - [%s] %s: %s at %s:%d (fingerprint %s)\n",
				f.Severity, f.VulnType, f.Title,
				f.Location.FilePath, f.Location.LineStart, f.Fingerprint)
		}
	}

	if len(ec.State.RecentMessages) > 0 {
		b.WriteString("\nNotes from earlier phases:\n")
		for _, m := range ec.State.RecentMessages {
			fmt.Fprintf(&b, "  - %s\n", m)
		}
	}

	fmt.Fprintf(&b, "\nBegin the %s phase.", ec.Phase)
	return b.String()
}

// formatTechStack renders "python 62%, javascript 38%" in descending order.
func formatTechStack(stack map[string]float64) string {
	type entry struct {
		lang string
		frac float64
	}
	entries := make([]entry, 0, len(stack))
	for lang, frac := range stack {
		entries = append(entries, entry{lang, frac})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].frac != entries[j].frac {
			return entries[i].frac > entries[j].frac
		}
		return entries[i].lang < entries[j].lang
	})
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s %.0f%%", e.lang, e.frac*100)
	}
	return strings.Join(parts, ", ")
}

// initialMessages builds the conversation seed for a phase run.
func initialMessages(ec *ExecutionContext) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(ec.Phase)},
		{Role: llm.RoleUser, Content: buildTaskPrompt(ec)},
	}
}
