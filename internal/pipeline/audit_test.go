package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoforge/internal/validator"
)

func TestAuditAppendAndLoad(t *testing.T) {
	log, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	rec := AttemptRecord{
		AttemptIndex:  0,
		BundleSHA256:  "abc123",
		Report:        &validator.Report{Status: validator.StatusFailed},
		Timestamp:     time.Now().UTC(),
		ScorerVersion: ScorerVersion,
	}
	require.NoError(t, log.AppendAttempt("job-1", "org-1", "corr-1", rec))

	rec.AttemptIndex = 1
	rec.Report = &validator.Report{Status: validator.StatusValidated}
	require.NoError(t, log.AppendAttempt("job-1", "org-1", "corr-1", rec))

	attempts, err := log.Attempts("job-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 0, attempts[0].AttemptIndex)
	assert.Equal(t, validator.StatusFailed, attempts[0].Report.Status)
	assert.Equal(t, validator.StatusValidated, attempts[1].Report.Status)
	assert.Equal(t, ScorerVersion, attempts[1].ScorerVersion)
}

func TestAuditIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	log, err := NewAuditLog(dir)
	require.NoError(t, err)

	rec := AttemptRecord{AttemptIndex: 0, BundleSHA256: "x", Timestamp: time.Now().UTC()}
	require.NoError(t, log.AppendAttempt("job-1", "org-1", "", rec))

	before, err := os.ReadFile(filepath.Join(dir, "job-1.jsonl"))
	require.NoError(t, err)

	rec.AttemptIndex = 1
	require.NoError(t, log.AppendAttempt("job-1", "org-1", "", rec))

	after, err := os.ReadFile(filepath.Join(dir, "job-1.jsonl"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(after), string(before)),
		"earlier lines must never be rewritten")
}

func TestAuditMissingJobIsEmpty(t *testing.T) {
	log, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	attempts, err := log.Attempts("never-seen")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestAuditNonAttemptLinesSkippedByAttempts(t *testing.T) {
	log, err := NewAuditLog(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, log.AppendAttempt("job-1", "org-1", "", AttemptRecord{Timestamp: time.Now().UTC()}))
	require.NoError(t, log.AppendInstall("job-1", "org-1", "", "finance/tracker", "deadbeef"))
	require.NoError(t, log.AppendTerminal("job-1", "org-1", "", "THRASHING"))

	attempts, err := log.Attempts("job-1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	lines, err := log.load("job-1")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "install", lines[1].Kind)
	assert.Equal(t, "terminal", lines[2].Kind)
	assert.Equal(t, "THRASHING", lines[2].Reason)
}
