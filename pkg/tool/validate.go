package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/argus-audit/argus/pkg/llm"
)

// sandboxExecAllowlist is the fixed set of binaries sandbox_execute may
// run. Verification needs interpreters and build probes, nothing else.
var sandboxExecAllowlist = map[string]bool{
	"python3": true,
	"python":  true,
	"node":    true,
	"go":      true,
	"curl":    true,
	"grep":    true,
}

// sandboxExecTimeout caps one verification command regardless of the
// tool-level deadline.
const sandboxExecTimeout = 30 * time.Second

// sandboxExecMaxOutput caps captured output per stream.
const sandboxExecMaxOutput = 256 << 10

// SandboxExecuteTool runs a short command inside the repository root
// for proof-of-concept verification. Only allowlisted binaries run, the
// working directory is pinned to the sandbox root, and output is
// bounded.
type SandboxExecuteTool struct {
	sandbox *Sandbox
}

// NewSandboxExecuteTool creates the sandbox_execute tool.
func NewSandboxExecuteTool(sandbox *Sandbox) *SandboxExecuteTool {
	return &SandboxExecuteTool{sandbox: sandbox}
}

func (t *SandboxExecuteTool) Name() string { return "sandbox_execute" }

func (t *SandboxExecuteTool) Description() string {
	return "Execute an allowlisted command (python3, node, go, curl, grep) in the repository root to verify a proof of concept. Output is captured and bounded."
}

func (t *SandboxExecuteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Binary to run. Must be on the allowlist."},
			"args": {"type": "array", "items": {"type": "string"}, "description": "Arguments to the command."}
		},
		"required": ["command"]
	}`)
}

func (t *SandboxExecuteTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	command := stringArg(input, "command", "")
	if !sandboxExecAllowlist[command] {
		return nil, fmt.Errorf("command %q is not on the sandbox allowlist", command)
	}

	var args []string
	if raw, ok := input["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("args must be strings")
			}
			// No absolute paths or traversal into the host filesystem.
			if strings.HasPrefix(s, "/") || strings.Contains(s, "..") {
				return nil, fmt.Errorf("%w: argument %q", ErrPathDenied, s)
			}
			args = append(args, s)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, sandboxExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command, args...)
	cmd.Dir = t.sandbox.Root()
	// Strip the ambient environment; the PoC gets PATH and nothing else.
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + t.sandbox.Root()}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: sandboxExecMaxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: sandboxExecMaxOutput}

	runErr := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && stdout.Len() == 0 && stderr.Len() == 0 {
		return nil, fmt.Errorf("sandbox execution failed: %w", runErr)
	}
	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"timed_out": execCtx.Err() != nil,
	}, nil
}

// validateExcerptContext is how many lines around the cited range the
// model sees.
const validateExcerptContext = 10

// ValidateVulnerabilityTool re-checks a claimed vulnerability against
// the actual file content. It re-reads the cited lines through the
// sandbox and asks the model for a verdict, returning an evidence bag
// the caller attaches to the finding.
type ValidateVulnerabilityTool struct {
	sandbox  *Sandbox
	pool     Completer
	provider string
}

// NewValidateVulnerabilityTool creates the validate_vulnerability tool.
func NewValidateVulnerabilityTool(sandbox *Sandbox, pool Completer, provider string) *ValidateVulnerabilityTool {
	return &ValidateVulnerabilityTool{sandbox: sandbox, pool: pool, provider: provider}
}

func (t *ValidateVulnerabilityTool) Name() string { return "validate_vulnerability" }

func (t *ValidateVulnerabilityTool) Description() string {
	return "Re-verify a claimed vulnerability against the actual file content. Returns a verdict (confirmed, rejected, needs_review) with the code excerpt used as evidence."
}

func (t *ValidateVulnerabilityTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the repository root."},
			"start_line": {"type": "integer", "description": "First line of the claimed vulnerable range (1-based)."},
			"end_line": {"type": "integer", "description": "Last line of the claimed vulnerable range."},
			"vulnerability_type": {"type": "string", "description": "The claimed vulnerability class, e.g. sql_injection."},
			"claim": {"type": "string", "description": "What the finding asserts about this code."}
		},
		"required": ["path", "start_line", "vulnerability_type", "claim"]
	}`)
}

func (t *ValidateVulnerabilityTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	rel := stringArg(input, "path", "")
	claim := stringArg(input, "claim", "")
	vulnType := stringArg(input, "vulnerability_type", "")
	if claim == "" || vulnType == "" {
		return nil, fmt.Errorf("vulnerability_type and claim are required")
	}

	abs, err := t.sandbox.ResolveFile(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", rel, err)
	}
	lines := strings.Split(string(data), "\n")

	start := intArg(input, "start_line", 1)
	end := intArg(input, "end_line", start)
	if start < 1 || start > len(lines) {
		// The cited range does not exist; that alone rejects the claim.
		return map[string]any{
			"verdict":   "rejected",
			"rationale": fmt.Sprintf("cited line %d does not exist, %q has %d lines", start, rel, len(lines)),
			"evidence": map[string]any{
				"path":       rel,
				"start_line": start,
				"end_line":   end,
			},
		}, nil
	}
	if end < start {
		end = start
	}
	if end > len(lines) {
		end = len(lines)
	}

	excerpt := numberedExcerpt(lines, start, end)

	resp, err := t.pool.Complete(ctx, t.provider, &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You verify security findings against source code. Answer with exactly one of CONFIRMED, REJECTED or NEEDS_REVIEW on the first line, then a one-paragraph rationale."},
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Claimed vulnerability: %s\nClaim: %s\nFile: %s lines %d-%d\n\n%s",
				vulnType, claim, rel, start, end, excerpt)},
		},
	})
	if err != nil {
		return nil, err
	}

	verdict, rationale := parseVerdict(resp.Content)
	return map[string]any{
		"verdict":   verdict,
		"rationale": rationale,
		"evidence": map[string]any{
			"path":       rel,
			"start_line": start,
			"end_line":   end,
			"excerpt":    lines[start-1 : end],
		},
	}, nil
}

// numberedExcerpt renders the cited range plus surrounding context with
// line numbers so the model can ground its verdict.
func numberedExcerpt(lines []string, start, end int) string {
	from := start - validateExcerptContext
	if from < 1 {
		from = 1
	}
	to := end + validateExcerptContext
	if to > len(lines) {
		to = len(lines)
	}
	var b strings.Builder
	for i := from; i <= to; i++ {
		marker := "  "
		if i >= start && i <= end {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%d: %s\n", marker, i, lines[i-1])
	}
	return b.String()
}

// parseVerdict maps the model's first word onto the three verdicts,
// defaulting to needs_review for anything else. Exact-word matching so
// hedges like "unconfirmed" never read as a confirmation.
func parseVerdict(content string) (verdict, rationale string) {
	first, rest, _ := strings.Cut(strings.TrimSpace(content), "\n")
	word := ""
	if fields := strings.Fields(first); len(fields) > 0 {
		word = strings.ToUpper(strings.Trim(fields[0], ".,:;!"))
	}
	switch word {
	case "CONFIRMED":
		verdict = "confirmed"
	case "REJECTED":
		verdict = "rejected"
	default:
		verdict = "needs_review"
	}
	rationale = strings.TrimSpace(rest)
	if rationale == "" {
		rationale = strings.TrimSpace(content)
	}
	return verdict, rationale
}

// limitedWriter discards bytes past the limit.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	remaining := l.limit - l.w.Len()
	if remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	// Report full write so the child is not killed with EPIPE.
	return len(p), nil
}
