package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// maxScannerOutput caps raw scanner stdout before JSON parsing.
const maxScannerOutput = 8 << 20

// SubprocessTool wraps an external scanner binary. The command runs
// with the sandbox root as working directory, inherits the caller's
// deadline through exec.CommandContext, and its JSON stdout is parsed
// into the tool output.
type SubprocessTool struct {
	name        string
	description string
	binary      string
	buildArgs   func(root string, input map[string]any) []string
	parse       func(stdout []byte) (map[string]any, error)
	sandbox     *Sandbox
}

func (t *SubprocessTool) Name() string        { return t.name }
func (t *SubprocessTool) Description() string { return t.description }

func (t *SubprocessTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to scan, relative to the repository root. Defaults to the whole repository."}
		}
	}`)
}

func (t *SubprocessTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	if _, err := exec.LookPath(t.binary); err != nil {
		return nil, fmt.Errorf("scanner %q is not installed: %w", t.binary, err)
	}

	// Validate the target path before handing it to the subprocess.
	if rel := stringArg(input, "path", ""); rel != "" {
		if _, err := t.sandbox.Resolve(rel); err != nil {
			return nil, err
		}
	}

	args := t.buildArgs(t.sandbox.Root(), input)
	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Dir = t.sandbox.Root()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Scanners conventionally exit non-zero when they find issues, so a
	// non-zero exit with parseable stdout is still a success.
	if stdout.Len() == 0 && err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", t.binary, err, firstLine(stderr.Bytes()))
	}
	if stdout.Len() > maxScannerOutput {
		return nil, fmt.Errorf("%s produced %d bytes of output, over the limit", t.binary, stdout.Len())
	}

	return t.parse(stdout.Bytes())
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseJSONOutput wraps arbitrary scanner JSON under a single key. Used
// only for scanners whose report shape is too unstable to normalize.
func parseJSONOutput(key string) func([]byte) (map[string]any, error) {
	return func(stdout []byte) (map[string]any, error) {
		var parsed any
		if err := json.Unmarshal(stdout, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse scanner output: %w", err)
		}
		return map[string]any{key: parsed}, nil
	}
}

// scannerFinding is the normalized record every scanner parser emits,
// so downstream phases read one shape regardless of which scanner ran.
type scannerFinding struct {
	Path     string
	Line     int
	RuleID   string
	Severity string
	Message  string
}

func findingsOutput(findings []scannerFinding) map[string]any {
	out := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		out = append(out, map[string]any{
			"path":     f.Path,
			"line":     f.Line,
			"rule_id":  f.RuleID,
			"severity": f.Severity,
			"message":  f.Message,
		})
	}
	return map[string]any{"findings": out, "count": len(out)}
}

func parseSemgrep(stdout []byte) (map[string]any, error) {
	var report struct {
		Results []struct {
			CheckID string `json:"check_id"`
			Path    string `json:"path"`
			Start   struct {
				Line int `json:"line"`
			} `json:"start"`
			Extra struct {
				Severity string `json:"severity"`
				Message  string `json:"message"`
			} `json:"extra"`
		} `json:"results"`
	}
	if err := json.Unmarshal(stdout, &report); err != nil {
		return nil, fmt.Errorf("failed to parse semgrep output: %w", err)
	}
	findings := make([]scannerFinding, 0, len(report.Results))
	for _, r := range report.Results {
		findings = append(findings, scannerFinding{
			Path:     r.Path,
			Line:     r.Start.Line,
			RuleID:   r.CheckID,
			Severity: semgrepSeverity(r.Extra.Severity),
			Message:  r.Extra.Message,
		})
	}
	return findingsOutput(findings), nil
}

func semgrepSeverity(s string) string {
	switch strings.ToUpper(s) {
	case "ERROR":
		return "high"
	case "WARNING":
		return "medium"
	default:
		return "low"
	}
}

func parseBandit(stdout []byte) (map[string]any, error) {
	var report struct {
		Results []struct {
			Filename      string `json:"filename"`
			LineNumber    int    `json:"line_number"`
			TestID        string `json:"test_id"`
			IssueSeverity string `json:"issue_severity"`
			IssueText     string `json:"issue_text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(stdout, &report); err != nil {
		return nil, fmt.Errorf("failed to parse bandit output: %w", err)
	}
	findings := make([]scannerFinding, 0, len(report.Results))
	for _, r := range report.Results {
		findings = append(findings, scannerFinding{
			Path:     r.Filename,
			Line:     r.LineNumber,
			RuleID:   r.TestID,
			Severity: strings.ToLower(r.IssueSeverity),
			Message:  r.IssueText,
		})
	}
	return findingsOutput(findings), nil
}

func parseGitleaks(stdout []byte) (map[string]any, error) {
	var leaks []struct {
		File        string `json:"File"`
		StartLine   int    `json:"StartLine"`
		RuleID      string `json:"RuleID"`
		Description string `json:"Description"`
	}
	if err := json.Unmarshal(stdout, &leaks); err != nil {
		return nil, fmt.Errorf("failed to parse gitleaks output: %w", err)
	}
	findings := make([]scannerFinding, 0, len(leaks))
	for _, l := range leaks {
		// A committed secret is always high severity.
		findings = append(findings, scannerFinding{
			Path:     l.File,
			Line:     l.StartLine,
			RuleID:   l.RuleID,
			Severity: "high",
			Message:  l.Description,
		})
	}
	return findingsOutput(findings), nil
}

func parseOSV(stdout []byte) (map[string]any, error) {
	var report struct {
		Results []struct {
			Source struct {
				Path string `json:"path"`
			} `json:"source"`
			Packages []struct {
				Package struct {
					Name    string `json:"name"`
					Version string `json:"version"`
				} `json:"package"`
				Vulnerabilities []struct {
					ID               string `json:"id"`
					Summary          string `json:"summary"`
					DatabaseSpecific struct {
						Severity string `json:"severity"`
					} `json:"database_specific"`
				} `json:"vulnerabilities"`
			} `json:"packages"`
		} `json:"results"`
	}
	if err := json.Unmarshal(stdout, &report); err != nil {
		return nil, fmt.Errorf("failed to parse osv-scanner output: %w", err)
	}
	var findings []scannerFinding
	for _, res := range report.Results {
		for _, pkg := range res.Packages {
			for _, vuln := range pkg.Vulnerabilities {
				severity := strings.ToLower(vuln.DatabaseSpecific.Severity)
				if severity == "" {
					severity = "medium"
				}
				findings = append(findings, scannerFinding{
					Path:     res.Source.Path,
					RuleID:   vuln.ID,
					Severity: severity,
					Message:  fmt.Sprintf("%s %s: %s", pkg.Package.Name, pkg.Package.Version, vuln.Summary),
				})
			}
		}
	}
	return findingsOutput(findings), nil
}

func parseNpmAudit(stdout []byte) (map[string]any, error) {
	var report struct {
		Vulnerabilities map[string]struct {
			Severity string `json:"severity"`
			Via      []any  `json:"via"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(stdout, &report); err != nil {
		return nil, fmt.Errorf("failed to parse npm audit output: %w", err)
	}
	var findings []scannerFinding
	for name, vuln := range report.Vulnerabilities {
		message := name + " has a known vulnerability"
		ruleID := ""
		// via mixes advisory objects and plain dependency names; the
		// first object carries the advisory detail.
		for _, via := range vuln.Via {
			adv, ok := via.(map[string]any)
			if !ok {
				continue
			}
			if title, _ := adv["title"].(string); title != "" {
				message = name + ": " + title
			}
			if url, _ := adv["url"].(string); url != "" {
				ruleID = url
			}
			break
		}
		findings = append(findings, scannerFinding{
			Path:     "package-lock.json",
			RuleID:   ruleID,
			Severity: strings.ToLower(vuln.Severity),
			Message:  message,
		})
	}
	return findingsOutput(findings), nil
}

func parseSafety(stdout []byte) (map[string]any, error) {
	// safety's legacy JSON is an array of rows:
	// [package, affected_spec, installed_version, description, advisory_id].
	var rows [][]any
	if err := json.Unmarshal(stdout, &rows); err != nil {
		// Newer safety releases emit an object report; pass it through.
		return parseJSONOutput("safety")(stdout)
	}
	findings := make([]scannerFinding, 0, len(rows))
	for _, row := range rows {
		f := scannerFinding{Path: "requirements.txt", Severity: "medium"}
		if len(row) > 0 {
			name, _ := row[0].(string)
			f.Message = name
		}
		if len(row) > 3 {
			if desc, _ := row[3].(string); desc != "" {
				f.Message = f.Message + ": " + desc
			}
		}
		if len(row) > 4 {
			f.RuleID, _ = row[4].(string)
		}
		findings = append(findings, f)
	}
	return findingsOutput(findings), nil
}

func targetArg(root string, input map[string]any) string {
	if rel := stringArg(input, "path", ""); rel != "" {
		return rel
	}
	return "."
}

// NewSemgrepTool runs semgrep with its auto ruleset.
func NewSemgrepTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "semgrep_scan",
		description: "Run semgrep static analysis with the auto ruleset. Returns structured findings with rule IDs, paths, and line ranges.",
		binary:      "semgrep",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"scan", "--json", "--quiet", "--config", "auto", targetArg(root, input)}
		},
		parse: parseSemgrep,
	}
}

// NewBanditTool runs bandit over Python sources.
func NewBanditTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "bandit_scan",
		description: "Run bandit security linting on Python code. Returns issues with severity, confidence, and locations.",
		binary:      "bandit",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"-r", "-f", "json", "-q", targetArg(root, input)}
		},
		parse: parseBandit,
	}
}

// NewGitleaksTool runs gitleaks secret detection.
func NewGitleaksTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "gitleaks_scan",
		description: "Run gitleaks to detect committed secrets and credentials.",
		binary:      "gitleaks",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"detect", "--no-banner", "--report-format", "json", "--report-path", "/dev/stdout", "--source", targetArg(root, input)}
		},
		parse: parseGitleaks,
	}
}

// NewOSVScannerTool runs osv-scanner over lockfiles.
func NewOSVScannerTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "osv_scanner",
		description: "Run osv-scanner against dependency lockfiles to find known-vulnerable packages.",
		binary:      "osv-scanner",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"--format", "json", "--recursive", targetArg(root, input)}
		},
		parse: parseOSV,
	}
}

// NewNpmAuditTool runs npm audit for JavaScript dependency advisories.
func NewNpmAuditTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "npm_audit",
		description: "Run npm audit to report vulnerable JavaScript dependencies. Requires a package-lock.json.",
		binary:      "npm",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"audit", "--json"}
		},
		parse: parseNpmAudit,
	}
}

// NewKunlunTool runs KunLun-M multi-language static analysis.
func NewKunlunTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "kunlun_scan",
		description: "Run KunLun-M static analysis for PHP/JavaScript vulnerability patterns.",
		binary:      "kunlun-m",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"scan", "-t", targetArg(root, input), "--format", "json"}
		},
		parse: parseJSONOutput("kunlun"),
	}
}

// NewSafetyCheckTool runs safety against Python requirements.
func NewSafetyCheckTool(sandbox *Sandbox) *SubprocessTool {
	return &SubprocessTool{
		name:        "safety_check",
		description: "Run safety to report vulnerable Python dependencies from requirements files.",
		binary:      "safety",
		sandbox:     sandbox,
		buildArgs: func(root string, input map[string]any) []string {
			return []string{"check", "--json"}
		},
		parse: parseSafety,
	}
}
