package findings

import "github.com/argus-audit/argus/pkg/models"

// Severity deductions for score derivation. A clean repository scores
// 100; each verified finding deducts by severity, floored at zero.
var severityDeduction = map[models.Severity]float64{
	models.SeverityCritical: 25,
	models.SeverityHigh:     15,
	models.SeverityMedium:   8,
	models.SeverityLow:      3,
	models.SeverityInfo:     1,
}

// SecurityScore derives the 0-100 security score from verified findings.
// Rejected findings (false positives) never affect the score.
func SecurityScore(verified []models.Finding) float64 {
	score := 100.0
	for _, f := range verified {
		score -= severityDeduction[f.Severity]
	}
	if score < 0 {
		return 0
	}
	return score
}

// OverallScore blends the security score with an open-finding penalty:
// unverified findings count at half weight since they may yet be
// rejected during verification.
func OverallScore(verified, open []models.Finding) float64 {
	score := SecurityScore(verified)
	for _, f := range open {
		score -= severityDeduction[f.Severity] / 2
	}
	if score < 0 {
		return 0
	}
	return score
}

// CountBySeverity tallies findings into per-severity counts.
func CountBySeverity(fs []models.Finding) models.SeverityCounts {
	var counts models.SeverityCounts
	for _, f := range fs {
		counts.Add(f.Severity)
	}
	return counts
}
