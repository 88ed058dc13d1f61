// Package findings provides finding deduplication by stable content
// fingerprint, merge rules, and score derivation.
package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/argus-audit/argus/pkg/models"
)

// Fingerprint computes the stable dedup key for a finding: lowercase hex
// SHA-256 over "<norm_path>|<line_start>-<line_end>|<vuln_type>|<src>→<sink>".
// Source and sink default to empty when the finding has no dataflow.
func Fingerprint(f *models.Finding) string {
	var src, sink string
	if f.Dataflow != nil {
		src = strings.TrimSpace(f.Dataflow.Source)
		sink = strings.TrimSpace(f.Dataflow.Sink)
	}
	input := fmt.Sprintf("%s|%d-%d|%s|%s→%s",
		NormalizePath(f.Location.FilePath),
		f.Location.LineStart,
		f.Location.LineEnd,
		strings.TrimSpace(f.VulnType),
		src, sink,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NormalizePath canonicalizes a file path for fingerprinting: backslashes
// become forward slashes, a leading "./" is stripped, and surrounding
// whitespace is trimmed.
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// Stamp fills in the finding's fingerprint field. Idempotent: equal
// inputs always produce equal fingerprints.
func Stamp(f *models.Finding) {
	f.Fingerprint = Fingerprint(f)
}
