package findings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/models"
)

func sqlInjectionAt(path string, start, end int) models.Finding {
	return models.Finding{
		TaskID:   "task-1",
		VulnType: "sql_injection",
		Severity: models.SeverityHigh,
		Title:    "SQL injection via string concatenation",
		Location: models.Location{
			FilePath:  path,
			LineStart: start,
			LineEnd:   end,
		},
		Verification: models.VerificationNew,
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := sqlInjectionAt("main.py", 10, 10)
	b := sqlInjectionAt("main.py", 10, 10)
	assert.Equal(t, Fingerprint(&a), Fingerprint(&b))
	assert.Len(t, Fingerprint(&a), 64)
}

func TestFingerprint_PathNormalization(t *testing.T) {
	a := sqlInjectionAt("./main.py", 10, 10)
	b := sqlInjectionAt(`main.py`, 10, 10)
	c := sqlInjectionAt(`src\main.py`, 10, 10)
	d := sqlInjectionAt("src/main.py", 10, 10)

	assert.Equal(t, Fingerprint(&a), Fingerprint(&b))
	assert.Equal(t, Fingerprint(&c), Fingerprint(&d))
	assert.NotEqual(t, Fingerprint(&a), Fingerprint(&c))
}

func TestFingerprint_DataflowDistinguishes(t *testing.T) {
	plain := sqlInjectionAt("main.py", 10, 10)
	tainted := sqlInjectionAt("main.py", 10, 10)
	tainted.Dataflow = &models.Dataflow{Source: "request.args", Sink: "cursor.execute"}

	assert.NotEqual(t, Fingerprint(&plain), Fingerprint(&tainted))
}

func TestDeduplicator_MergesSameFingerprint(t *testing.T) {
	d := NewDeduplicator()

	first := sqlInjectionAt("main.py", 10, 10)
	first.Severity = models.SeverityMedium
	_, merged := d.Add(first)
	assert.False(t, merged)

	second := sqlInjectionAt("main.py", 10, 10)
	second.Severity = models.SeverityHigh
	second.Description = "user id concatenated into query"
	got, merged := d.Add(second)
	assert.True(t, merged)

	// Merged severity is the max of inputs.
	assert.Equal(t, models.SeverityHigh, got.Severity)
	// First non-empty description kept.
	assert.Equal(t, "user id concatenated into query", got.Description)

	require.Equal(t, 1, d.Len())
	assert.Equal(t, 2, d.Submitted)
	assert.Equal(t, 1, d.Merged)
}

func TestDeduplicator_VerificationPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		existing models.VerificationStatus
		incoming models.VerificationStatus
		want     models.VerificationStatus
	}{
		{"confirmed beats new", models.VerificationNew, models.VerificationConfirmed, models.VerificationConfirmed},
		{"confirmed beats rejected", models.VerificationConfirmed, models.VerificationRejected, models.VerificationConfirmed},
		{"needs-review beats new", models.VerificationNew, models.VerificationNeedsReview, models.VerificationNeedsReview},
		{"new beats rejected", models.VerificationRejected, models.VerificationNew, models.VerificationNew},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeduplicator()
			a := sqlInjectionAt("main.py", 10, 10)
			a.Verification = tt.existing
			d.Add(a)

			b := sqlInjectionAt("main.py", 10, 10)
			b.Verification = tt.incoming
			got, merged := d.Add(b)
			require.True(t, merged)
			assert.Equal(t, tt.want, got.Verification)
		})
	}
}

func TestDeduplicator_DistinctLocationsKeptApart(t *testing.T) {
	d := NewDeduplicator()
	d.Add(sqlInjectionAt("main.py", 10, 10))
	d.Add(sqlInjectionAt("main.py", 20, 22))
	assert.Equal(t, 2, d.Len())
}

func TestDeduplicator_FingerprintsUniqueInResult(t *testing.T) {
	d := NewDeduplicator()
	for i := 0; i < 5; i++ {
		d.Add(sqlInjectionAt("main.py", 10, 10))
		d.Add(sqlInjectionAt("api.py", 3, 7))
	}

	seen := map[string]bool{}
	for _, f := range d.All() {
		assert.False(t, seen[f.Fingerprint], "duplicate fingerprint in result set")
		seen[f.Fingerprint] = true
	}
	assert.Equal(t, 2, d.Len())
}

func TestSecurityScore(t *testing.T) {
	assert.Equal(t, 100.0, SecurityScore(nil))

	one := []models.Finding{{Severity: models.SeverityHigh}}
	assert.Equal(t, 85.0, SecurityScore(one))

	many := make([]models.Finding, 10)
	for i := range many {
		many[i] = models.Finding{Severity: models.SeverityCritical}
	}
	assert.Equal(t, 0.0, SecurityScore(many))
}

func TestOverallScore_BelowHundredWithFinding(t *testing.T) {
	verified := []models.Finding{{Severity: models.SeverityHigh}}
	assert.Less(t, OverallScore(verified, nil), 100.0)

	open := []models.Finding{{Severity: models.SeverityMedium}}
	assert.Less(t, OverallScore(verified, open), OverallScore(verified, nil))
}
