package tool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		AllowedFileExtensions: []string{".go", ".py", ".js"},
		BlockedDirectories:    []string{".git", "node_modules"},
		MaxPathDepth:          10,
	}
}

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return NewSandbox(resolved, testSecurityConfig())
}

func TestSandbox_ResolveValidPath(t *testing.T) {
	sb := newTestSandbox(t)
	abs, err := sb.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Root(), "src", "main.go"), abs)
}

func TestSandbox_Rejections(t *testing.T) {
	sb := newTestSandbox(t)
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"absolute", "/etc/passwd"},
		{"parent escape", "../outside.go"},
		{"nested escape", "src/../../outside.go"},
		{"blocked git", ".git/config"},
		{"blocked nested", "src/node_modules/lib/index.js"},
		{"too deep", "a/b/c/d/e/f/g/h/i/j/k/deep.go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Resolve(tt.path)
			assert.ErrorIs(t, err, ErrPathDenied)
		})
	}
}

func TestSandbox_ResolveFileExtensionAllowlist(t *testing.T) {
	sb := newTestSandbox(t)

	_, err := sb.ResolveFile("main.go")
	assert.NoError(t, err)

	_, err = sb.ResolveFile("binary.exe")
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestSandbox_SymlinkEscapeRejected(t *testing.T) {
	sb := newTestSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.go"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(sb.Root(), "link")))

	_, err := sb.Resolve("link/secret.go")
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestSandbox_AllowedFile(t *testing.T) {
	sb := newTestSandbox(t)
	assert.True(t, sb.AllowedFile("src/app.py"))
	assert.False(t, sb.AllowedFile("src/app.rb"))
	assert.False(t, sb.AllowedFile("node_modules/a/index.js"))
}
