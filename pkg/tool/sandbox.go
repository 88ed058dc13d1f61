package tool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/argus-audit/argus/pkg/config"
)

// ErrPathDenied is returned for any path the sandbox rejects. The
// wrapped message explains which rule fired; tools surface it verbatim
// to the model so the agent can pick a different path.
var ErrPathDenied = errors.New("path denied by sandbox")

// Sandbox confines all filesystem tool access to the repository root.
// Every tool that touches the filesystem resolves paths through here.
type Sandbox struct {
	root string
	cfg  config.SecurityConfig

	allowedExt map[string]bool
	blockedDir map[string]bool
}

// NewSandbox creates a sandbox rooted at the repo checkout. root must
// already be an absolute, symlink-resolved path.
func NewSandbox(root string, cfg config.SecurityConfig) *Sandbox {
	s := &Sandbox{
		root:       filepath.Clean(root),
		cfg:        cfg,
		allowedExt: make(map[string]bool, len(cfg.AllowedFileExtensions)),
		blockedDir: make(map[string]bool, len(cfg.BlockedDirectories)),
	}
	for _, ext := range cfg.AllowedFileExtensions {
		s.allowedExt[strings.ToLower(ext)] = true
	}
	for _, dir := range cfg.BlockedDirectories {
		s.blockedDir[dir] = true
	}
	return s
}

// Root returns the sandbox root.
func (s *Sandbox) Root() string { return s.root }

// Resolve validates a repo-relative path and returns its absolute form.
// Rejected: absolute input, "..", blocked directory components, paths
// deeper than the configured limit, and symlinks escaping the root.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathDenied)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathDenied, rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the repository root", ErrPathDenied, rel)
	}

	parts := strings.Split(clean, string(filepath.Separator))
	if s.cfg.MaxPathDepth > 0 && len(parts) > s.cfg.MaxPathDepth {
		return "", fmt.Errorf("%w: %q exceeds max depth %d", ErrPathDenied, rel, s.cfg.MaxPathDepth)
	}
	for _, part := range parts {
		if s.blockedDir[part] {
			return "", fmt.Errorf("%w: %q is inside blocked directory %q", ErrPathDenied, rel, part)
		}
	}

	abs := filepath.Join(s.root, clean)

	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the repo cannot point outside it.
	resolved, err := resolveExisting(abs)
	if err == nil {
		if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q resolves outside the repository root", ErrPathDenied, rel)
		}
	}
	return abs, nil
}

// ResolveFile applies Resolve plus the extension allowlist.
func (s *Sandbox) ResolveFile(rel string) (string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if len(s.allowedExt) > 0 {
		ext := strings.ToLower(filepath.Ext(abs))
		if !s.allowedExt[ext] {
			return "", fmt.Errorf("%w: extension %q not allowed", ErrPathDenied, ext)
		}
	}
	return abs, nil
}

// AllowedFile reports whether a path (already under root) passes the
// extension allowlist and blocked-directory rules; used when walking.
func (s *Sandbox) AllowedFile(rel string) bool {
	parts := strings.Split(filepath.Clean(rel), string(filepath.Separator))
	for _, part := range parts {
		if s.blockedDir[part] {
			return false
		}
	}
	if len(s.allowedExt) == 0 {
		return true
	}
	return s.allowedExt[strings.ToLower(filepath.Ext(rel))]
}

// BlockedDir reports whether a directory name is blocked outright.
func (s *Sandbox) BlockedDir(name string) bool {
	return s.blockedDir[name]
}

// resolveExisting walks up from path to the deepest existing ancestor
// and returns its symlink-resolved form joined with the remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
