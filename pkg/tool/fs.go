package tool

import (
	"bufio"
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

// ListFilesTool enumerates repository files under a directory.
type ListFilesTool struct {
	sandbox *Sandbox
	resCfg  config.ResourceConfig
}

// NewListFilesTool creates the list_files tool.
func NewListFilesTool(sandbox *Sandbox, resCfg config.ResourceConfig) *ListFilesTool {
	return &ListFilesTool{sandbox: sandbox, resCfg: resCfg}
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files under a directory in the repository. Returns relative paths."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the repository root. Defaults to the root."},
			"recursive": {"type": "boolean", "description": "Descend into subdirectories. Defaults to true."}
		}
	}`)
}

func (t *ListFilesTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	rel := stringArg(input, "path", ".")
	recursive := boolArg(input, "recursive", true)

	abs, err := t.sandbox.Resolve(rel)
	if err != nil {
		return nil, err
	}

	limit := t.resCfg.MaxFilesPerScan
	var files []string
	truncated := false
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if t.sandbox.BlockedDir(d.Name()) {
				return filepath.SkipDir
			}
			if !recursive && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(t.sandbox.Root(), path)
		if err != nil || !t.sandbox.AllowedFile(relPath) {
			return nil
		}
		if limit > 0 && len(files) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, filepath.ToSlash(relPath))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"files":     files,
		"count":     len(files),
		"truncated": truncated,
	}, nil
}

// ReadFileTool returns file content, optionally a line range.
type ReadFileTool struct {
	sandbox *Sandbox
	resCfg  config.ResourceConfig
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(sandbox *Sandbox, resCfg config.ResourceConfig) *ReadFileTool {
	return &ReadFileTool{sandbox: sandbox, resCfg: resCfg}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the repository, optionally limited to a line range."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the repository root."},
			"line_start": {"type": "integer", "description": "First line to return (1-based)."},
			"line_end": {"type": "integer", "description": "Last line to return (inclusive)."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Run(_ context.Context, input map[string]any) (map[string]any, error) {
	rel := stringArg(input, "path", "")
	abs, err := t.sandbox.ResolveFile(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", rel, err)
	}
	if max := t.resCfg.MaxFileSizeBytes; max > 0 && info.Size() > max {
		return nil, fmt.Errorf("file %q is %d bytes, over the %d byte limit", rel, info.Size(), max)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", rel, err)
	}

	lineStart := intArg(input, "line_start", 0)
	lineEnd := intArg(input, "line_end", 0)
	content := string(data)
	totalLines := strings.Count(content, "\n") + 1
	if lineStart > 0 {
		lines := strings.Split(content, "\n")
		if lineStart > len(lines) {
			return nil, fmt.Errorf("line_start %d beyond end of file (%d lines)", lineStart, len(lines))
		}
		end := lineEnd
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		content = strings.Join(lines[lineStart-1:end], "\n")
	}

	return map[string]any{
		"path":        filepath.ToSlash(rel),
		"content":     content,
		"total_lines": totalLines,
	}, nil
}

// SearchCodeTool runs a regex search across repository files.
type SearchCodeTool struct {
	sandbox *Sandbox
	resCfg  config.ResourceConfig
}

// NewSearchCodeTool creates the search_code tool.
func NewSearchCodeTool(sandbox *Sandbox, resCfg config.ResourceConfig) *SearchCodeTool {
	return &SearchCodeTool{sandbox: sandbox, resCfg: resCfg}
}

func (t *SearchCodeTool) Name() string { return "search_code" }

func (t *SearchCodeTool) Description() string {
	return "Search repository files with a regular expression. Returns matching lines with file and line number."
}

func (t *SearchCodeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Go regular expression to search for."},
			"path": {"type": "string", "description": "Directory to search under. Defaults to the repository root."},
			"max_results": {"type": "integer", "description": "Cap on returned matches. Defaults to 100."}
		},
		"required": ["pattern"]
	}`)
}

// searchMatch is one search hit.
type searchMatch struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *SearchCodeTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	pattern := stringArg(input, "pattern", "")
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	rel := stringArg(input, "path", ".")
	abs, err := t.sandbox.Resolve(rel)
	if err != nil {
		return nil, err
	}

	maxResults := intArg(input, "max_results", 100)
	var matches []searchMatch
	scanned := 0
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

		fileMatches, err := grepFile(path, filepath.ToSlash(relPath), re, t.resCfg.MaxFileSizeBytes, maxResults-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, fileMatches...)
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"matches":       matches,
		"count":         len(matches),
		"files_scanned": scanned,
	}, nil
}

func grepFile(abs, rel string, re *regexp.Regexp, maxSize int64, limit int) ([]searchMatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	if info, err := os.Stat(abs); err != nil || (maxSize > 0 && info.Size() > maxSize) {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []searchMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			matches = append(matches, searchMatch{File: rel, Line: lineNo, Text: strings.TrimSpace(line)})
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, scanner.Err()
}

// Argument coercion helpers. LLM tool arguments arrive as generic JSON,
// so numbers are float64 and everything needs a default.

func stringArg(input map[string]any, key, fallback string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolArg(input map[string]any, key string, fallback bool) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return fallback
}

func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
