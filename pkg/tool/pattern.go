package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/argus-audit/argus/pkg/config"
)

// patternRule is one built-in detection rule. Source/Sink feed the
// finding fingerprint when the agent records a hit.
type patternRule struct {
	VulnType string
	Severity string
	Source   string
	Sink     string
	Message  string
	re       *regexp.Regexp
}

// builtinRules are heuristic, language-agnostic detections. They trade
// precision for recall; hits go through the verification phase before
// they count.
var builtinRules = []patternRule{
	{
		VulnType: "sql-injection", Severity: "high",
		Source: "user-input", Sink: "sql-query",
		Message: "String concatenation or formatting into a SQL query",
		re:      regexp.MustCompile(`(?i)(?:query|execute|exec)\s*\(\s*(?:["'].*(?:SELECT|INSERT|UPDATE|DELETE).*["']\s*[+%]|f["'].*(?:SELECT|INSERT|UPDATE|DELETE).*\{)`),
	},
	{
		VulnType: "command-injection", Severity: "critical",
		Source: "user-input", Sink: "shell",
		Message: "Dynamic input passed to a shell command",
		re:      regexp.MustCompile(`(?i)(?:os\.system|subprocess\.(?:call|run|Popen)|exec\.Command|shell_exec|child_process)\s*\(.*(?:[+%]|\bformat\b|\$\{|f["'])`),
	},
	{
		VulnType: "hardcoded-secret", Severity: "medium",
		Source: "source-code", Sink: "credential",
		Message: "Credential-looking literal assigned in source",
		re:      regexp.MustCompile(`(?i)(?:api[_-]?key|secret|password|passwd|token|private[_-]?key)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{12,}["']`),
	},
	{
		VulnType: "path-traversal", Severity: "high",
		Source: "user-input", Sink: "filesystem",
		Message: "Unsanitized path concatenation into a file operation",
		re:      regexp.MustCompile(`(?i)(?:open|readFile|ReadFile|file_get_contents|os\.path\.join)\s*\(.*(?:request\.|params\[|req\.|input\()`),
	},
	{
		VulnType: "weak-crypto", Severity: "low",
		Source: "source-code", Sink: "crypto",
		Message: "Weak hash algorithm in use",
		re:      regexp.MustCompile(`(?i)\b(?:md5|sha1)\s*\(|hashlib\.(?:md5|sha1)|crypto/(?:md5|sha1)`),
	},
	{
		VulnType: "insecure-deserialization", Severity: "high",
		Source: "user-input", Sink: "deserializer",
		Message: "Unsafe deserialization of untrusted data",
		re:      regexp.MustCompile(`(?i)pickle\.loads?\(|yaml\.load\((?:[^)]*)\)|unserialize\s*\(|ObjectInputStream`),
	},
	{
		VulnType: "xss", Severity: "medium",
		Source: "user-input", Sink: "html",
		Message: "Dynamic content written into HTML without escaping",
		re:      regexp.MustCompile(`(?i)(?:innerHTML|document\.write|dangerouslySetInnerHTML|v-html)\s*[=(:]`),
	},
	{
		VulnType: "ssrf", Severity: "medium",
		Source: "user-input", Sink: "http-client",
		Message: "Outbound request URL built from dynamic input",
		re:      regexp.MustCompile(`(?i)(?:http\.Get|requests\.get|urllib|fetch|axios)\s*\(.*(?:[+%]|request\.|req\.|params\[|\$\{|f["'])`),
	},
}

// PatternMatchTool runs the built-in heuristic rule set over files.
// It is the zero-dependency fallback for the external scanners.
type PatternMatchTool struct {
	sandbox *Sandbox
	resCfg  config.ResourceConfig
}

// NewPatternMatchTool creates the pattern_match tool.
func NewPatternMatchTool(sandbox *Sandbox, resCfg config.ResourceConfig) *PatternMatchTool {
	return &PatternMatchTool{sandbox: sandbox, resCfg: resCfg}
}

func (t *PatternMatchTool) Name() string { return "pattern_match" }

func (t *PatternMatchTool) Description() string {
	return "Scan files with built-in security patterns (SQL injection, command injection, secrets, traversal, weak crypto, deserialization, XSS, SSRF). Heuristic; verify hits before reporting."
}

func (t *PatternMatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File or directory to scan, relative to the repository root. Defaults to the root."},
			"vuln_types": {"type": "array", "items": {"type": "string"}, "description": "Restrict to these vulnerability types."}
		}
	}`)
}

// patternHit is one rule match.
type patternHit struct {
	VulnType string `json:"vuln_type"`
	Severity string `json:"severity"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
	Source   string `json:"source"`
	Sink     string `json:"sink"`
	Message  string `json:"message"`
}

func (t *PatternMatchTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	rel := stringArg(input, "path", ".")
	abs, err := t.sandbox.Resolve(rel)
	if err != nil {
		return nil, err
	}

	rules := t.selectRules(input)
	if len(rules) == 0 {
		return nil, fmt.Errorf("no matching vuln_types")
	}

	var hits []patternHit
	scanned := 0
	scanFile := func(path, relPath string) {
		fileHits, err := t.scanFile(path, relPath, rules)
		if err == nil {
			hits = append(hits, fileHits...)
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", rel, err)
	}
	if !info.IsDir() {
		scanned = 1
		scanFile(abs, filepath.ToSlash(rel))
	} else {
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if t.sandbox.BlockedDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			relPath, err := filepath.Rel(t.sandbox.Root(), path)
			if err != nil || !t.sandbox.AllowedFile(relPath) {
				return nil
			}
			if max := t.resCfg.MaxFilesPerScan; max > 0 && scanned >= max {
				return filepath.SkipAll
			}
			scanned++
			scanFile(path, filepath.ToSlash(relPath))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"hits":          hits,
		"count":         len(hits),
		"files_scanned": scanned,
	}, nil
}

func (t *PatternMatchTool) selectRules(input map[string]any) []patternRule {
	wanted, ok := input["vuln_types"].([]any)
	if !ok || len(wanted) == 0 {
		return builtinRules
	}
	allow := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		if s, ok := w.(string); ok {
			allow[s] = true
		}
	}
	var rules []patternRule
	for _, rule := range builtinRules {
		if allow[rule.VulnType] {
			rules = append(rules, rule)
		}
	}
	return rules
}

func (t *PatternMatchTool) scanFile(abs, rel string, rules []patternRule) ([]patternHit, error) {
	if info, err := os.Stat(abs); err != nil {
		return nil, err
	} else if max := t.resCfg.MaxFileSizeBytes; max > 0 && info.Size() > max {
		return nil, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	var hits []patternHit
	for lineNo, line := range strings.Split(string(data), "\n") {
		for _, rule := range rules {
			if rule.re.MatchString(line) {
				hits = append(hits, patternHit{
					VulnType: rule.VulnType,
					Severity: rule.Severity,
					File:     rel,
					Line:     lineNo + 1,
					Snippet:  strings.TrimSpace(line),
					Source:   rule.Source,
					Sink:     rule.Sink,
					Message:  rule.Message,
				})
			}
		}
	}
	return hits, nil
}
