package models

// Phase names for the fixed orchestration DAG.
const (
	PhaseInit         = "init"
	PhaseRecon        = "recon"
	PhaseAnalysis     = "analysis"
	PhaseVerification = "verification"
	PhaseReport       = "report"
	PhaseDone         = "done"
	PhaseError        = "error"
)

// EntryPointKind classifies how an entry point is reached.
type EntryPointKind string

const (
	EntryPointHTTP    EntryPointKind = "http"
	EntryPointCLI     EntryPointKind = "cli"
	EntryPointRPC     EntryPointKind = "rpc"
	EntryPointWorker  EntryPointKind = "worker"
	EntryPointUnknown EntryPointKind = "unknown"
)

// EntryPoint is a recognized external entry into the audited codebase.
type EntryPoint struct {
	Path string         `json:"path"`
	Kind EntryPointKind `json:"kind"`
}

// AuditState is the orchestrator's in-memory state for one task.
// It is mutated only by the orchestrator goroutine; sub-agents return a
// StateDiff which the orchestrator applies between phases.
type AuditState struct {
	TaskID      string `json:"task_id"`
	ProjectRoot string `json:"project_root"`

	// TechStack maps language name to its fraction of the codebase (0..1).
	TechStack     map[string]float64 `json:"tech_stack,omitempty"`
	EntryPoints   []EntryPoint       `json:"entry_points,omitempty"`
	HighRiskPaths []string           `json:"high_risk_paths,omitempty"`
	DepSummary    string             `json:"dep_summary,omitempty"`

	OpenFindings     []Finding `json:"open_findings,omitempty"`
	VerifiedFindings []Finding `json:"verified_findings,omitempty"`
	FalsePositives   []Finding `json:"false_positives,omitempty"`

	Phase         string `json:"phase"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`

	// ShouldContinueAnalysis is set only by the verification phase and
	// drives the bounded analysis↔verification loop.
	ShouldContinueAnalysis bool `json:"should_continue_analysis"`

	// RecentMessages is the bounded tail of agent conversation turns
	// carried across checkpoint/resume.
	RecentMessages []string `json:"recent_messages,omitempty"`

	EventSequence int64  `json:"event_sequence"`
	Summary       string `json:"summary,omitempty"`

	SecurityScore float64    `json:"security_score"`
	TokensUsed    TokenUsage `json:"tokens_used"`
	LastError     string     `json:"last_error,omitempty"`
}

// TotalFindings returns the count across all finding buckets.
func (s *AuditState) TotalFindings() int {
	return len(s.OpenFindings) + len(s.VerifiedFindings) + len(s.FalsePositives)
}

// FindingNote is verification evidence attached to an open finding.
type FindingNote struct {
	Verification   VerificationStatus
	ProofOfConcept string
	Explanation    string
}

// StateDiff is the result a sub-agent hands back to the orchestrator.
// The orchestrator is the only writer of AuditState; applying the diff
// is its job, which keeps state mutation single-threaded.
type StateDiff struct {
	TechStack     map[string]float64
	EntryPoints   []EntryPoint
	HighRiskPaths []string
	DepSummary    string

	NewFindings []Finding

	// VerifiedIDs and RejectedIDs move open findings into the verified or
	// false-positive buckets (matched by fingerprint).
	VerifiedIDs []string
	RejectedIDs []string

	// FindingNotes carries verification evidence keyed by fingerprint.
	FindingNotes map[string]FindingNote

	ShouldContinueAnalysis bool
	Messages               []string
	TokensUsed             TokenUsage
}

// Apply merges the diff into the state. Findings are moved by fingerprint;
// unknown fingerprints in VerifiedIDs/RejectedIDs are ignored.
func (s *AuditState) Apply(diff *StateDiff) {
	if diff == nil {
		return
	}
	if len(diff.TechStack) > 0 {
		if s.TechStack == nil {
			s.TechStack = make(map[string]float64, len(diff.TechStack))
		}
		for lang, frac := range diff.TechStack {
			s.TechStack[lang] = frac
		}
	}
	s.EntryPoints = append(s.EntryPoints, diff.EntryPoints...)
	s.HighRiskPaths = append(s.HighRiskPaths, diff.HighRiskPaths...)
	if diff.DepSummary != "" {
		s.DepSummary = diff.DepSummary
	}
	s.OpenFindings = append(s.OpenFindings, diff.NewFindings...)

	if len(diff.FindingNotes) > 0 {
		for i := range s.OpenFindings {
			f := &s.OpenFindings[i]
			note, ok := diff.FindingNotes[f.Fingerprint]
			if !ok {
				continue
			}
			if note.ProofOfConcept != "" {
				f.ProofOfConcept = note.ProofOfConcept
			}
			if note.Explanation != "" {
				f.Explanation = note.Explanation
			}
			if note.Verification == VerificationNeedsReview {
				f.Verification = note.Verification
			}
		}
	}

	if len(diff.VerifiedIDs) > 0 || len(diff.RejectedIDs) > 0 {
		verified := toSet(diff.VerifiedIDs)
		rejected := toSet(diff.RejectedIDs)
		remaining := s.OpenFindings[:0]
		for _, f := range s.OpenFindings {
			switch {
			case verified[f.Fingerprint]:
				f.Verification = VerificationConfirmed
				s.VerifiedFindings = append(s.VerifiedFindings, f)
			case rejected[f.Fingerprint]:
				f.Verification = VerificationRejected
				s.FalsePositives = append(s.FalsePositives, f)
			default:
				remaining = append(remaining, f)
			}
		}
		s.OpenFindings = remaining
	}

	s.ShouldContinueAnalysis = diff.ShouldContinueAnalysis
	s.RecentMessages = append(s.RecentMessages, diff.Messages...)
	s.TokensUsed.Accumulate(diff.TokensUsed)
}

// TrimMessages keeps only the newest max messages.
func (s *AuditState) TrimMessages(max int) {
	if max >= 0 && len(s.RecentMessages) > max {
		s.RecentMessages = s.RecentMessages[len(s.RecentMessages)-max:]
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
