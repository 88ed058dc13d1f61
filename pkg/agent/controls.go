package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/argus-audit/argus/pkg/findings"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/models"
)

// Control tool names. These are offered to the model alongside the
// registry tools but executed by the loop itself: they mutate the
// in-progress StateDiff, not the repository.
const (
	controlRecordFinding = "record_finding"
	controlUpdateFinding = "update_finding"
	controlFinish        = "finish"
)

func isControlTool(name string) bool {
	switch name {
	case controlRecordFinding, controlUpdateFinding, controlFinish:
		return true
	default:
		return false
	}
}

// controlSpecs returns the loop-level tool specs for a phase. Analysis
// records findings, verification records verdicts, and every phase can
// finish.
func controlSpecs(phase string) []llm.ToolSpec {
	specs := []llm.ToolSpec{finishSpec(phase)}
	switch phase {
	case models.PhaseAnalysis:
		specs = append(specs, recordFindingSpec())
	case models.PhaseVerification:
		specs = append(specs, updateFindingSpec())
	}
	return specs
}

func recordFindingSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        controlRecordFinding,
		Description: "Record a potential vulnerability. Call once per distinct issue; duplicates at the same location are merged automatically.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"vuln_type": {"type": "string", "description": "Short kebab-case class, e.g. sql-injection, path-traversal."},
				"severity": {"type": "string", "enum": ["critical", "high", "medium", "low", "info"]},
				"title": {"type": "string"},
				"description": {"type": "string"},
				"file_path": {"type": "string", "description": "Path relative to the repository root."},
				"line_start": {"type": "integer"},
				"line_end": {"type": "integer"},
				"code_snippet": {"type": "string"},
				"source": {"type": "string", "description": "Taint source, when a dataflow was traced."},
				"sink": {"type": "string", "description": "Taint sink, when a dataflow was traced."},
				"dataflow_path": {"type": "array", "items": {"type": "string"}},
				"fix_suggestion": {"type": "string"}
			},
			"required": ["vuln_type", "severity", "title", "file_path", "line_start"]
		}`),
	}
}

func updateFindingSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        controlUpdateFinding,
		Description: "Record the verification verdict for an open finding, identified by its fingerprint.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fingerprint": {"type": "string"},
				"verdict": {"type": "string", "enum": ["confirmed", "rejected", "needs-review"]},
				"explanation": {"type": "string"},
				"proof_of_concept": {"type": "string", "description": "Concrete exploit input or request, for confirmed findings."}
			},
			"required": ["fingerprint", "verdict"]
		}`),
	}
}

func finishSpec(phase string) llm.ToolSpec {
	props := map[string]json.RawMessage{
		"summary": json.RawMessage(`{"type": "string", "description": "What was accomplished this phase."}`),
	}
	switch phase {
	case models.PhaseRecon:
		props["tech_stack"] = json.RawMessage(`{"type": "object", "additionalProperties": {"type": "number"}, "description": "Language name to fraction of codebase (0..1)."}`)
		props["entry_points"] = json.RawMessage(`{"type": "array", "items": {"type": "object", "properties": {"path": {"type": "string"}, "kind": {"type": "string", "enum": ["http", "cli", "rpc", "worker", "unknown"]}}, "required": ["path"]}}`)
		props["high_risk_paths"] = json.RawMessage(`{"type": "array", "items": {"type": "string"}}`)
		props["dep_summary"] = json.RawMessage(`{"type": "string"}`)
	case models.PhaseVerification:
		props["continue_analysis"] = json.RawMessage(`{"type": "boolean", "description": "True when verification surfaced areas that warrant another analysis pass."}`)
	}

	raw, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"summary"},
	})
	return llm.ToolSpec{
		Name:        controlFinish,
		Description: "Conclude the phase and hand results back. Call exactly once, after all findings or verdicts are recorded.",
		Parameters:  raw,
	}
}

// runControl executes one control tool call against the loop's diff.
// done is true only for finish.
func (l *loop) runControl(tc llm.ToolCall) (result map[string]any, done bool, err error) {
	var args map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return nil, false, fmt.Errorf("malformed %s arguments: %w", tc.Name, err)
		}
	}

	switch tc.Name {
	case controlRecordFinding:
		return l.recordFinding(args)
	case controlUpdateFinding:
		return l.updateFinding(args)
	case controlFinish:
		l.applyFinish(args)
		return map[string]any{"status": "phase concluded"}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown control tool %q", tc.Name)
	}
}

func (l *loop) recordFinding(args map[string]any) (map[string]any, bool, error) {
	if max := l.ec.Resource.MaxFindingsPerAgent; max > 0 && len(l.diff.NewFindings) >= max {
		return nil, false, fmt.Errorf("finding limit reached (%d); conclude the phase instead", max)
	}

	sev := models.Severity(strings.ToLower(argString(args, "severity")))
	if !sev.IsValid() {
		sev = models.SeverityMedium
	}
	f := models.Finding{
		TaskID:   l.ec.TaskID,
		VulnType: strings.TrimSpace(argString(args, "vuln_type")),
		Severity: sev,
		Title:    strings.TrimSpace(argString(args, "title")),
		Description: argString(args, "description"),
		Location: models.Location{
			FilePath:  argString(args, "file_path"),
			LineStart: argInt(args, "line_start"),
			LineEnd:   argInt(args, "line_end"),
		},
		CodeSnippet:   argString(args, "code_snippet"),
		FixSuggestion: argString(args, "fix_suggestion"),
		Verification:  models.VerificationNew,
	}
	if f.VulnType == "" || f.Title == "" || f.Location.FilePath == "" {
		return nil, false, fmt.Errorf("record_finding requires vuln_type, title, and file_path")
	}
	if f.Location.LineEnd < f.Location.LineStart {
		f.Location.LineEnd = f.Location.LineStart
	}
	if src, sink := argString(args, "source"), argString(args, "sink"); src != "" || sink != "" {
		f.Dataflow = &models.Dataflow{Source: src, Sink: sink, Path: argStrings(args, "dataflow_path")}
	}
	findings.Stamp(&f)

	// Intra-phase dedup: repeated reports of the same fingerprint are
	// collapsed before the orchestrator ever sees them.
	for i := range l.diff.NewFindings {
		if l.diff.NewFindings[i].Fingerprint == f.Fingerprint {
			l.diff.NewFindings[i] = findings.Merge(&l.diff.NewFindings[i], &f)
			return map[string]any{"fingerprint": f.Fingerprint, "merged": true}, false, nil
		}
	}

	l.diff.NewFindings = append(l.diff.NewFindings, f)
	if l.ec.Publisher != nil {
		l.ec.Publisher.FindingNew(&f)
	}
	return map[string]any{"fingerprint": f.Fingerprint, "recorded": true}, false, nil
}

func (l *loop) updateFinding(args map[string]any) (map[string]any, bool, error) {
	fp := strings.TrimSpace(argString(args, "fingerprint"))
	verdict := strings.TrimSpace(argString(args, "verdict"))
	if fp == "" {
		return nil, false, fmt.Errorf("update_finding requires a fingerprint")
	}

	target, ok := l.openFinding(fp)
	if !ok {
		return nil, false, fmt.Errorf("no open finding with fingerprint %s", fp)
	}

	// Shared state is the orchestrator's; the verdict travels in the
	// diff and the event is built from a local copy.
	note := models.FindingNote{
		ProofOfConcept: argString(args, "proof_of_concept"),
		Explanation:    argString(args, "explanation"),
	}
	switch verdict {
	case "confirmed":
		l.diff.VerifiedIDs = append(l.diff.VerifiedIDs, fp)
		note.Verification = models.VerificationConfirmed
	case "rejected":
		l.diff.RejectedIDs = append(l.diff.RejectedIDs, fp)
		note.Verification = models.VerificationRejected
	case "needs-review":
		note.Verification = models.VerificationNeedsReview
	default:
		return nil, false, fmt.Errorf("unknown verdict %q", verdict)
	}
	if l.diff.FindingNotes == nil {
		l.diff.FindingNotes = make(map[string]models.FindingNote)
	}
	l.diff.FindingNotes[fp] = note

	if l.ec.Publisher != nil {
		target.Verification = note.Verification
		l.ec.Publisher.FindingUpdated(&target)
	}
	return map[string]any{"fingerprint": fp, "verdict": verdict}, false, nil
}

// openFinding returns a copy of the open finding with this fingerprint.
func (l *loop) openFinding(fp string) (models.Finding, bool) {
	if l.ec.State == nil {
		return models.Finding{}, false
	}
	for i := range l.ec.State.OpenFindings {
		if l.ec.State.OpenFindings[i].Fingerprint == fp {
			return l.ec.State.OpenFindings[i], true
		}
	}
	return models.Finding{}, false
}

// applyFinish folds the structured finish arguments into the diff.
func (l *loop) applyFinish(args map[string]any) {
	l.finalText = argString(args, "summary")

	if ts, ok := args["tech_stack"].(map[string]any); ok {
		l.diff.TechStack = make(map[string]float64, len(ts))
		for lang, v := range ts {
			if frac, ok := v.(float64); ok {
				l.diff.TechStack[lang] = frac
			}
		}
	}
	if eps, ok := args["entry_points"].([]any); ok {
		for _, raw := range eps {
			ep, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			kind := models.EntryPointKind(argString(ep, "kind"))
			switch kind {
			case models.EntryPointHTTP, models.EntryPointCLI, models.EntryPointRPC, models.EntryPointWorker:
			default:
				kind = models.EntryPointUnknown
			}
			if path := argString(ep, "path"); path != "" {
				l.diff.EntryPoints = append(l.diff.EntryPoints, models.EntryPoint{Path: path, Kind: kind})
			}
		}
	}
	l.diff.HighRiskPaths = append(l.diff.HighRiskPaths, argStrings(args, "high_risk_paths")...)
	if dep := argString(args, "dep_summary"); dep != "" {
		l.diff.DepSummary = dep
	}
	if cont, ok := args["continue_analysis"].(bool); ok {
		l.diff.ShouldContinueAnalysis = cont
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
