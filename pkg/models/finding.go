package models

import "time"

// Severity classifies finding impact.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for aggregation: critical(4) > high(3) >
// medium(2) > low(1) > info(0). Unknown severities rank below info.
var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Rank returns the numeric ordering of the severity.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// VerificationStatus tracks how far a finding has progressed through
// the verification phase.
type VerificationStatus string

const (
	VerificationNew         VerificationStatus = "new"
	VerificationConfirmed   VerificationStatus = "confirmed"
	VerificationRejected    VerificationStatus = "rejected"
	VerificationNeedsReview VerificationStatus = "needs-review"
)

// verificationPrecedence orders statuses for merge resolution:
// confirmed > needs-review > new > rejected.
var verificationPrecedence = map[VerificationStatus]int{
	VerificationConfirmed:   3,
	VerificationNeedsReview: 2,
	VerificationNew:         1,
	VerificationRejected:    0,
}

// Precedence returns the merge precedence of the status.
func (v VerificationStatus) Precedence() int {
	if p, ok := verificationPrecedence[v]; ok {
		return p
	}
	return -1
}

// IsValid checks if the verification status is a known value.
func (v VerificationStatus) IsValid() bool {
	_, ok := verificationPrecedence[v]
	return ok
}

// Location identifies the code range a finding refers to.
type Location struct {
	FilePath  string `json:"file_path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	ColStart  int    `json:"col_start,omitempty"`
	ColEnd    int    `json:"col_end,omitempty"`
	Function  string `json:"function,omitempty"`
	Class     string `json:"class,omitempty"`
}

// Dataflow records a source→sink taint path when the analysis produced one.
type Dataflow struct {
	Source string   `json:"source,omitempty"`
	Sink   string   `json:"sink,omitempty"`
	Path   []string `json:"path,omitempty"`
}

// Finding is a reported potential vulnerability. Created by analysis
// agents, mutated by verification and dedup, destroyed only with its task.
type Finding struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	VulnType string `json:"vuln_type"`

	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`

	Location    Location  `json:"location"`
	CodeSnippet string    `json:"code_snippet,omitempty"`
	Dataflow    *Dataflow `json:"dataflow,omitempty"`

	Verification  VerificationStatus `json:"verification"`
	ProofOfConcept string            `json:"proof_of_concept,omitempty"`
	FixSuggestion  string            `json:"fix_suggestion,omitempty"`
	Explanation    string            `json:"explanation,omitempty"`

	CVSSScore  float64  `json:"cvss_score,omitempty"`
	CVSSVector string   `json:"cvss_vector,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// Fingerprint is the stable content hash used as the dedup key.
	// Computed by pkg/findings; empty only on unsubmitted drafts.
	Fingerprint string `json:"fingerprint"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
