package masking

import "regexp"

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the credential shapes masked by default. Broad
// on purpose: a false positive hides one config value, a false negative
// hands a live credential to an external LLM API.
var builtinPatterns = []CompiledPattern{
	{
		Name:        "private_key_block",
		Regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: "[MASKED_PRIVATE_KEY]",
	},
	{
		Name:        "aws_access_key",
		Regex:       regexp.MustCompile(`\b(A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA)[A-Z0-9]{16}\b`),
		Replacement: "[MASKED_AWS_KEY]",
	},
	{
		Name:        "github_token",
		Regex:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
		Replacement: "[MASKED_GITHUB_TOKEN]",
	},
	{
		Name:        "slack_token",
		Regex:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		Replacement: "[MASKED_SLACK_TOKEN]",
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
		Replacement: "[MASKED_BEARER_TOKEN]",
	},
	{
		Name:        "jwt",
		Regex:       regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
		Replacement: "[MASKED_JWT]",
	},
	{
		Name:        "api_key_assignment",
		Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token)(["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-./+]{12,}`),
		Replacement: "$1$2[MASKED_SECRET]",
	},
	{
		Name:        "password_assignment",
		Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)(["']?\s*[:=]\s*["']?)[^\s"']{6,}`),
		Replacement: "$1$2[MASKED_PASSWORD]",
	},
	{
		Name:        "connection_string_credentials",
		Regex:       regexp.MustCompile(`\b([a-z][a-z0-9+.-]*://[^:/\s]+):([^@/\s]+)@`),
		Replacement: "$1:[MASKED_PASSWORD]@",
	},
}
