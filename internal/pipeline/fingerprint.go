package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"evoforge/internal/validator"
)

// Fingerprint computes the stable failure fingerprint for a validation
// report: a hash over the sorted failed static checks, failing test names,
// and fix-hint categories. Two reports with the same structural failure
// shape fingerprint identically, which is how non-progress is detected.
func Fingerprint(report *validator.Report) string {
	var parts []string
	for _, check := range report.StaticResults {
		if !check.Passed {
			parts = append(parts, "static:"+check.Name)
		}
	}
	for _, hint := range report.FixHints {
		if hint.Category == validator.HintTestFailure && hint.Location != "" {
			parts = append(parts, "test:"+hint.Location)
		}
	}
	parts = append(parts, report.HintCategories()...)
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}
