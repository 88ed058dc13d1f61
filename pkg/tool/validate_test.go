package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/llm"
)

// scriptedCompleter returns canned responses and records the prompts it
// received.
type scriptedCompleter struct {
	responses []string
	requests  []*llm.Request
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, req *llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return &llm.Response{Content: ""}, nil
	}
	content := c.responses[0]
	c.responses = c.responses[1:]
	return &llm.Response{Content: content}, nil
}

func TestValidateVulnerability_Confirmed(t *testing.T) {
	sb := writeFixtureRepo(t)
	completer := &scriptedCompleter{responses: []string{
		"CONFIRMED\nThe query concatenates user input without escaping.",
	}}
	tool := NewValidateVulnerabilityTool(sb, completer, "mock")

	out, err := tool.Run(context.Background(), map[string]any{
		"path":               "app/login.py",
		"start_line":         4,
		"end_line":           5,
		"vulnerability_type": "sql_injection",
		"claim":              "user input is concatenated into the query",
	})
	require.NoError(t, err)

	assert.Equal(t, "confirmed", out["verdict"])
	assert.Contains(t, out["rationale"], "concatenates")

	evidence := out["evidence"].(map[string]any)
	assert.Equal(t, "app/login.py", evidence["path"])
	assert.Equal(t, 4, evidence["start_line"])
	excerpt := evidence["excerpt"].([]string)
	require.Len(t, excerpt, 2)
	assert.Contains(t, excerpt[0], "SELECT * FROM users")

	// The model saw the cited lines marked inside their context window.
	require.Len(t, completer.requests, 1)
	prompt := completer.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "> 4:")
	assert.Contains(t, prompt, "sql_injection")
}

func TestValidateVulnerability_MissingLineRejectsWithoutModel(t *testing.T) {
	sb := writeFixtureRepo(t)
	completer := &scriptedCompleter{}
	tool := NewValidateVulnerabilityTool(sb, completer, "mock")

	out, err := tool.Run(context.Background(), map[string]any{
		"path":               "app/util.js",
		"start_line":         400,
		"vulnerability_type": "xss",
		"claim":              "esc does not escape",
	})
	require.NoError(t, err)

	assert.Equal(t, "rejected", out["verdict"])
	assert.Contains(t, out["rationale"], "does not exist")
	assert.Empty(t, completer.requests, "no model call for a nonexistent range")
}

func TestValidateVulnerability_SandboxDeniesPath(t *testing.T) {
	sb := writeFixtureRepo(t)
	tool := NewValidateVulnerabilityTool(sb, &scriptedCompleter{}, "mock")

	_, err := tool.Run(context.Background(), map[string]any{
		"path":               "../outside.py",
		"start_line":         1,
		"vulnerability_type": "sql_injection",
		"claim":              "claim",
	})
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"confirmed", "CONFIRMED\nbecause reasons", "confirmed"},
		{"confirmed with punctuation", "CONFIRMED.\nconcatenation reaches the sink", "confirmed"},
		{"rejected", "REJECTED\nno flow to a sink", "rejected"},
		{"unconfirmed is not confirmed", "UNCONFIRMED\ncould not trace the flow", "needs_review"},
		{"negated confirmation", "Not CONFIRMED, the input is escaped.", "needs_review"},
		{"hedged first line", "It might be exploitable.\nHard to say.", "needs_review"},
		{"empty", "", "needs_review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, _ := parseVerdict(tt.content)
			assert.Equal(t, tt.want, verdict)
		})
	}
}

func TestSandboxExecute_AllowlistAndOutput(t *testing.T) {
	sb := writeFixtureRepo(t)
	tool := NewSandboxExecuteTool(sb)

	_, err := tool.Run(context.Background(), map[string]any{"command": "rm"})
	assert.ErrorContains(t, err, "not on the sandbox allowlist")

	_, err = tool.Run(context.Background(), map[string]any{
		"command": "grep",
		"args":    []any{"-r", "/etc/passwd"},
	})
	assert.ErrorIs(t, err, ErrPathDenied, "absolute argument paths are rejected")

	out, err := tool.Run(context.Background(), map[string]any{
		"command": "grep",
		"args":    []any{"-r", "SELECT", "app"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out["exit_code"])
	assert.Contains(t, out["stdout"], "login.py")
}
