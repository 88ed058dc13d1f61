package findings

import "github.com/argus-audit/argus/pkg/models"

// Merge combines two findings with identical fingerprints into one.
// Rules: severity is the max of the inputs; verification status follows
// precedence confirmed > needs-review > new > rejected; text fields keep
// the first non-empty value (existing wins over incoming).
func Merge(existing, incoming *models.Finding) models.Finding {
	merged := *existing

	merged.Severity = models.MaxSeverity(existing.Severity, incoming.Severity)
	if incoming.Verification.Precedence() > existing.Verification.Precedence() {
		merged.Verification = incoming.Verification
	}

	merged.Title = firstNonEmpty(existing.Title, incoming.Title)
	merged.Description = firstNonEmpty(existing.Description, incoming.Description)
	merged.CodeSnippet = firstNonEmpty(existing.CodeSnippet, incoming.CodeSnippet)
	merged.ProofOfConcept = firstNonEmpty(existing.ProofOfConcept, incoming.ProofOfConcept)
	merged.FixSuggestion = firstNonEmpty(existing.FixSuggestion, incoming.FixSuggestion)
	merged.Explanation = firstNonEmpty(existing.Explanation, incoming.Explanation)

	if existing.Dataflow == nil {
		merged.Dataflow = incoming.Dataflow
	}
	if existing.CVSSScore == 0 && incoming.CVSSScore > 0 {
		merged.CVSSScore = incoming.CVSSScore
		merged.CVSSVector = incoming.CVSSVector
	}
	merged.Tags = mergeTags(existing.Tags, incoming.Tags)

	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

// Deduplicator accumulates findings and merges duplicates by fingerprint.
// Not safe for concurrent use; the orchestrator is the single writer.
type Deduplicator struct {
	byFingerprint map[string]*models.Finding
	order         []string

	// Submitted counts every Add call; Merged counts collisions.
	Submitted int
	Merged    int
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{byFingerprint: make(map[string]*models.Finding)}
}

// Add submits a finding. The fingerprint is computed if missing.
// Returns the canonical finding and whether it merged with an existing one.
func (d *Deduplicator) Add(f models.Finding) (models.Finding, bool) {
	d.Submitted++
	if f.Fingerprint == "" {
		Stamp(&f)
	}

	if existing, ok := d.byFingerprint[f.Fingerprint]; ok {
		merged := Merge(existing, &f)
		*existing = merged
		d.Merged++
		return merged, true
	}

	stored := f
	d.byFingerprint[f.Fingerprint] = &stored
	d.order = append(d.order, f.Fingerprint)
	return stored, false
}

// All returns the deduplicated findings in first-seen order.
func (d *Deduplicator) All() []models.Finding {
	out := make([]models.Finding, 0, len(d.order))
	for _, fp := range d.order {
		out = append(out, *d.byFingerprint[fp])
	}
	return out
}

// Len returns the number of unique findings.
func (d *Deduplicator) Len() int { return len(d.order) }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func mergeTags(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}
