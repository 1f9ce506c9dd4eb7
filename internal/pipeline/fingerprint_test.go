package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"evoforge/internal/validator"
)

func failedTestReport(locations ...string) *validator.Report {
	r := &validator.Report{Status: validator.StatusFailed}
	for _, loc := range locations {
		r.FixHints = append(r.FixHints, validator.FixHint{
			Category:   validator.HintTestFailure,
			Location:   loc,
			Suggestion: "fix the failing check",
			Severity:   "high",
		})
	}
	return r
}

func TestFingerprintStableAcrossHintOrder(t *testing.T) {
	a := failedTestReport("invoke_upper", "describe_returns")
	b := failedTestReport("describe_returns", "invoke_upper")
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithFailureShape(t *testing.T) {
	a := failedTestReport("invoke_upper")
	b := failedTestReport("invoke_lower")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIncludesStaticFailures(t *testing.T) {
	a := failedTestReport("invoke_upper")
	b := failedTestReport("invoke_upper")
	b.StaticResults = []validator.StaticCheck{{Name: "manifest", Passed: false}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	// Passing static checks do not contribute.
	c := failedTestReport("invoke_upper")
	c.StaticResults = []validator.StaticCheck{{Name: "manifest", Passed: true}}
	assert.Equal(t, Fingerprint(a), Fingerprint(c))
}

func TestFingerprintIncludesCategories(t *testing.T) {
	a := failedTestReport("invoke_upper")
	b := failedTestReport("invoke_upper")
	b.FixHints = append(b.FixHints, validator.FixHint{
		Category:   validator.HintSchemaError,
		Suggestion: "fix manifest",
		Severity:   "high",
	})
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
