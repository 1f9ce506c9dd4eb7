package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoforge/internal/contract"
	"evoforge/internal/sandbox"
)

func defaultPolicy(t *testing.T) sandbox.Policy {
	t.Helper()
	policy, err := sandbox.Profile("default")
	require.NoError(t, err)
	return policy
}

func TestScaffoldPassesConfidenceGate(t *testing.T) {
	req := BuildRequest{
		Intent:        "track my stock positions",
		Constraints:   map[string]string{"module_id": "finance/tracker"},
		PolicyProfile: "default",
		OrgID:         "org-1",
	}
	files, err := ScaffoldModule(req, "finance/tracker")
	require.NoError(t, err)
	require.Len(t, files, 3)

	score := ScoreBlueprint(files, defaultPolicy(t))
	assert.GreaterOrEqual(t, score.Composite, DefaultConfidenceThreshold)
	assert.Equal(t, 1.0, score.Completeness)
	assert.Equal(t, 1.0, score.Feasibility)
}

func TestForbiddenImportZeroesFeasibility(t *testing.T) {
	files := []contract.File{
		{Path: "x/adapter.go", Content: []byte("package main\n\nimport \"os/exec\"\n\nvar _ = exec.Command\n")},
		{Path: "x/adapter_check.go", Content: []byte("package main\n")},
		{Path: "x/manifest.json", Content: []byte("{}")},
	}
	score := ScoreBlueprint(files, defaultPolicy(t))
	assert.Equal(t, 0.0, score.Feasibility)
	assert.Less(t, score.Composite, DefaultConfidenceThreshold)
}

func TestMissingPiecesLowerCompleteness(t *testing.T) {
	files := []contract.File{
		{Path: "x/adapter.go", Content: []byte("package main\n")},
	}
	score := ScoreBlueprint(files, defaultPolicy(t))
	assert.Equal(t, 0.5, score.Completeness)
}

func TestOversizedBlueprintScoresZeroEfficiency(t *testing.T) {
	big := make([]byte, contract.MaxTotalBytes+1)
	files := []contract.File{
		{Path: "x/adapter.go", Content: big},
	}
	score := ScoreBlueprint(files, defaultPolicy(t))
	assert.Equal(t, 0.0, score.Efficiency)
}
