package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRunResult_Canonical(t *testing.T) {
	r := &RunResult{
		ContractVersion: RunResultVersion,
		Run: RunInfo{
			ID:        "run-1",
			StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			EndedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
			Status:    RunSucceeded,
		},
		Data:     []byte(`{"temp":12.5}`),
		Metering: Metering{RunUnits: 0.25},
		Trace:    Trace{CorrelationID: "corr-1"},
	}

	data, err := EncodeRunResult(r)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	// Field order follows the struct declaration.
	text := string(data)
	assert.Less(t, strings.Index(text, `"contract_version"`), strings.Index(text, `"run"`))
	assert.Less(t, strings.Index(text, `"run"`), strings.Index(text, `"data"`))
	assert.Less(t, strings.Index(text, `"metering"`), strings.Index(text, `"trace"`))

	// Encoding is deterministic.
	again, err := EncodeRunResult(r)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEncodeRunResult_WrongVersionRejected(t *testing.T) {
	_, err := EncodeRunResult(&RunResult{ContractVersion: "adapter_run_result/v0"})
	assert.Error(t, err)
}

func writeChart(t *testing.T, dir, name, content string) RunArtifact {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	sum := sha256.Sum256([]byte(content))
	return RunArtifact{
		Kind:   "chart",
		Path:   name,
		MIME:   "application/json",
		SHA256: hex.EncodeToString(sum[:]),
	}
}

func TestValidateChartArtifact_OK(t *testing.T) {
	dir := t.TempDir()
	art := writeChart(t, dir, "chart.json",
		`{"kind":"line","title":"temps","series":[{"name":"t","points":[1,2]}]}`)
	assert.NoError(t, ValidateChartArtifact(art, dir))
}

func TestValidateChartArtifact_Rejections(t *testing.T) {
	dir := t.TempDir()
	good := `{"kind":"line","title":"temps","series":[{"name":"t"}]}`

	t.Run("wrong kind", func(t *testing.T) {
		art := writeChart(t, dir, "a.json", good)
		art.Kind = "table"
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
	t.Run("missing mime", func(t *testing.T) {
		art := writeChart(t, dir, "b.json", good)
		art.MIME = ""
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
	t.Run("sha mismatch", func(t *testing.T) {
		art := writeChart(t, dir, "c.json", good)
		art.SHA256 = strings.Repeat("0", 64)
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
	t.Run("empty file", func(t *testing.T) {
		art := writeChart(t, dir, "d.json", "")
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
	t.Run("no series", func(t *testing.T) {
		art := writeChart(t, dir, "e.json", `{"kind":"line","title":"x","series":[]}`)
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
	t.Run("missing file", func(t *testing.T) {
		art := writeChart(t, dir, "f.json", good)
		art.Path = "gone.json"
		assert.Error(t, ValidateChartArtifact(art, dir))
	})
}
