package pipeline

import (
	"strings"

	"evoforge/internal/contract"
	"evoforge/internal/sandbox"
)

// Blueprint confidence weights and gate threshold.
const (
	weightCompleteness = 0.3
	weightFeasibility  = 0.3
	weightEdgeCases    = 0.2
	weightEfficiency   = 0.2

	// DefaultConfidenceThreshold gates scaffolds before the implement stage.
	DefaultConfidenceThreshold = 0.6
)

// ConfidenceScore holds the four dimensions plus their weighted composite,
// all in [0,1].
type ConfidenceScore struct {
	Completeness float64 `json:"completeness"`
	Feasibility  float64 `json:"feasibility"`
	EdgeCases    float64 `json:"edge_cases"`
	Efficiency   float64 `json:"efficiency"`
	Composite    float64 `json:"composite"`
}

// ScoreBlueprint evaluates a scaffolded module before implementation.
// Detecting any forbidden import zeroes feasibility regardless of the rest.
func ScoreBlueprint(files []contract.File, policy sandbox.Policy) ConfidenceScore {
	var score ConfidenceScore

	// Completeness: adapter 0.5, manifest 0.3, checks 0.2.
	var hasAdapter, hasManifest, hasChecks bool
	sources := map[string]string{}
	for _, f := range files {
		base := f.Path[strings.LastIndex(f.Path, "/")+1:]
		switch {
		case base == "manifest.json":
			hasManifest = true
		case strings.HasSuffix(base, "_check.go"):
			hasChecks = true
			sources[f.Path] = string(f.Content)
		case strings.HasSuffix(base, ".go"):
			hasAdapter = true
			sources[f.Path] = string(f.Content)
		}
	}
	if hasAdapter {
		score.Completeness += 0.5
	}
	if hasManifest {
		score.Completeness += 0.3
	}
	if hasChecks {
		score.Completeness += 0.2
	}

	// Feasibility: share of imports inside the allowlist; any forbidden
	// import forces zero.
	score.Feasibility = feasibility(sources, policy)

	// Edge-case handling: error classification, error returns, timeouts,
	// nil guards.
	score.EdgeCases = edgeCaseScore(sources)

	// Efficiency: file count and total size within the generator budget.
	score.Efficiency = efficiencyScore(files)

	score.Composite = weightCompleteness*score.Completeness +
		weightFeasibility*score.Feasibility +
		weightEdgeCases*score.EdgeCases +
		weightEfficiency*score.Efficiency
	return score
}

func feasibility(sources map[string]string, policy sandbox.Policy) float64 {
	refs, err := sandbox.ScanImports(sources)
	if err != nil {
		return 0
	}
	if len(refs) == 0 {
		return 1
	}
	allowed := policy.AllowedPackages()
	inList := 0
	for _, ref := range refs {
		if _, forbidden := sandbox.ForbiddenRule(ref.Path); forbidden {
			return 0
		}
		if allowed[ref.Path] {
			inList++
		}
	}
	return float64(inList) / float64(len(refs))
}

// edgeCaseScore looks for the structural markers of error and bounds handling.
func edgeCaseScore(sources map[string]string) float64 {
	var all strings.Builder
	for _, src := range sources {
		all.WriteString(src)
	}
	code := all.String()
	if code == "" {
		return 0
	}

	markers := []string{
		"error)",        // error-returning signatures
		"!= nil",        // error/nil checks
		"errors.",       // error classification
		"Timeout",       // timeout handling
		"len(",          // emptiness guards
	}
	hits := 0
	for _, marker := range markers {
		if strings.Contains(code, marker) {
			hits++
		}
	}
	return float64(hits) / float64(len(markers))
}

func efficiencyScore(files []contract.File) float64 {
	if len(files) == 0 || len(files) > contract.MaxChangedFiles {
		return 0
	}
	total := 0
	for _, f := range files {
		total += len(f.Content)
	}
	if total > contract.MaxTotalBytes {
		return 0
	}
	// Linear credit for headroom under the size budget.
	return 1 - float64(total)/float64(contract.MaxTotalBytes)
}
