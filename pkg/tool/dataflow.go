package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/argus-audit/argus/pkg/config"
)

// taintSources are line patterns that introduce attacker-controlled data.
var taintSources = regexp.MustCompile(`(?i)request\.|req\.(?:query|body|params)|params\[|r\.URL\.Query|r\.FormValue|os\.Args|getenv|input\(|scanf|\$_(?:GET|POST|REQUEST)`)

// taintSinks are line patterns where tainted data becomes dangerous.
var taintSinks = regexp.MustCompile(`(?i)(?:query|execute|exec)\s*\(|os\.system|subprocess\.|exec\.Command|open\s*\(|writeFile|innerHTML|eval\s*\(|deserialize|pickle\.loads?`)

// DataflowTool does a lightweight intra-file taint trace: it finds
// source lines, sink lines, and the identifiers that connect them.
// Single-file and assignment-based only; it exists to give the agent a
// cheap signal before spending verification effort.
type DataflowTool struct {
	sandbox *Sandbox
	resCfg  config.ResourceConfig
}

// NewDataflowTool creates the dataflow_analysis tool.
func NewDataflowTool(sandbox *Sandbox, resCfg config.ResourceConfig) *DataflowTool {
	return &DataflowTool{sandbox: sandbox, resCfg: resCfg}
}

func (t *DataflowTool) Name() string { return "dataflow_analysis" }

func (t *DataflowTool) Description() string {
	return "Trace tainted identifiers from input sources to dangerous sinks within one file. Returns source line, sink line, and the variable path between them."
}

func (t *DataflowTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File to analyze, relative to the repository root."}
		},
		"required": ["path"]
	}`)
}

// flow is one detected source→sink connection.
type flow struct {
	Variable   string   `json:"variable"`
	SourceLine int      `json:"source_line"`
	SourceText string   `json:"source_text"`
	SinkLine   int      `json:"sink_line"`
	SinkText   string   `json:"sink_text"`
	Path       []string `json:"path"`
}

var identAssign = regexp.MustCompile(`(?m)^\s*(?:var\s+|let\s+|const\s+|\$)?([A-Za-z_][A-Za-z0-9_]*)\s*(?::?=)`)

func (t *DataflowTool) Run(_ context.Context, input map[string]any) (map[string]any, error) {
	rel := stringArg(input, "path", "")
	abs, err := t.sandbox.ResolveFile(rel)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", rel, err)
	} else if max := t.resCfg.MaxFileSizeBytes; max > 0 && info.Size() > max {
		return nil, fmt.Errorf("file %q exceeds the analysis size limit", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", rel, err)
	}
	lines := strings.Split(string(data), "\n")

	// Forward pass: taint identifiers assigned from a source, propagate
	// taint through assignments, and report sink lines that reference a
	// tainted identifier. Each taint remembers its root variable and
	// the line trail that carried it.
	type taint struct {
		root       string
		sourceLine int
		sourceText string
		path       []string
	}
	tainted := map[string]*taint{}
	var flows []flow

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if taintSinks.MatchString(line) {
			for ident, tn := range tainted {
				if i+1 <= tn.sourceLine || !containsIdent(line, ident) {
					continue
				}
				flows = append(flows, flow{
					Variable:   tn.root,
					SourceLine: tn.sourceLine,
					SourceText: tn.sourceText,
					SinkLine:   i + 1,
					SinkText:   trimmed,
					Path:       append(append([]string(nil), tn.path...), trimmed),
				})
			}
		}

		m := identAssign.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lhs := m[1]
		if taintSources.MatchString(line) {
			if _, seen := tainted[lhs]; !seen {
				tainted[lhs] = &taint{root: lhs, sourceLine: i + 1, sourceText: trimmed, path: []string{trimmed}}
			}
			continue
		}
		for ident, tn := range tainted {
			if ident == lhs || !containsIdent(line, ident) {
				continue
			}
			if _, seen := tainted[lhs]; !seen {
				tainted[lhs] = &taint{
					root:       tn.root,
					sourceLine: tn.sourceLine,
					sourceText: tn.sourceText,
					path:       append(append([]string(nil), tn.path...), trimmed),
				}
			}
			break
		}
	}

	return map[string]any{
		"file":  rel,
		"flows": flows,
		"count": len(flows),
	}, nil
}

// containsIdent checks for ident as a whole word.
func containsIdent(line, ident string) bool {
	idx := 0
	for {
		pos := strings.Index(line[idx:], ident)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(ident)
		beforeOK := start == 0 || !isIdentChar(line[start-1])
		afterOK := end >= len(line) || !isIdentChar(line[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
