package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evoforge/internal/sandbox"
)

const goodAdapter = `package main

import "strings"

func Describe(input string) (string, error) {
	return "test module", nil
}

func Invoke(input string) (string, error) {
	return strings.ToUpper(input), nil
}
`

const goodChecks = `package main

func RunChecks(input string) (string, error) {
	out, err := Invoke("ok")
	if err != nil || out != "OK" {
		return "{\"tests\":1,\"passed\":0,\"failed\":1,\"errored\":0,\"failures\":[{\"name\":\"invoke_upper\",\"message\":\"unexpected output\"}]}", nil
	}
	return "{\"tests\":1,\"passed\":1,\"failed\":0,\"errored\":0}", nil
}
`

const failingChecks = `package main

func RunChecks(input string) (string, error) {
	return "{\"tests\":2,\"passed\":1,\"failed\":1,\"errored\":0,\"failures\":[{\"name\":\"invoke_upper\",\"message\":\"got lower case\"}]}", nil
}
`

const goodManifest = `{
  "schema_version": "evoforge/manifest/v1",
  "module_id": "text/upper",
  "version": "1.0.0",
  "capabilities": ["data_processing"],
  "status": "pending",
  "org_id": "org-1"
}
`

func writeModule(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	log := zaptest.NewLogger(t)
	return New(sandbox.NewRunner(log), log)
}

func defaultPolicy(t *testing.T) sandbox.Policy {
	t.Helper()
	p, err := sandbox.Profile("module_validation")
	require.NoError(t, err)
	return p
}

func TestValidate_Validated(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go":       goodAdapter,
		"adapter_check.go": goodChecks,
		"manifest.json":    goodManifest,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, report.Status)
	assert.Equal(t, 1, report.Runtime.Passed)
	assert.Empty(t, report.FixHints)
	assert.False(t, report.ValidatedAt.IsZero())
}

func TestValidate_TestFailureProducesHints(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go":       goodAdapter,
		"adapter_check.go": failingChecks,
		"manifest.json":    goodManifest,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 1, report.Runtime.Failed)
	require.NotEmpty(t, report.FixHints)
	assert.Equal(t, HintTestFailure, report.FixHints[0].Category)
	assert.Contains(t, report.FixHints[0].Suggestion, "invoke_upper")
	assert.False(t, report.HasTerminalViolation())
}

func TestValidate_MissingSymbols(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go":    "package main\n\nfunc Invoke(input string) (string, error) { return input, nil }\n",
		"manifest.json": goodManifest,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)

	categories := report.HintCategories()
	assert.Contains(t, categories, string(HintMissingMethod))
}

func TestValidate_ForbiddenImportIsSecurityBlock(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go": `package main

import "os/exec"

func Describe(input string) (string, error) { return "", nil }
func Invoke(input string) (string, error)   { return exec.Command("ls").String(), nil }
func RunChecks(input string) (string, error) {
	return "{\"tests\":0,\"passed\":0,\"failed\":0,\"errored\":0}", nil
}
`,
		"manifest.json": goodManifest,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.HasTerminalViolation())
	assert.Contains(t, report.HintCategories(), string(HintSecurityBlock))
}

func TestValidate_BadManifestIsSchemaError(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go":       goodAdapter,
		"adapter_check.go": goodChecks,
		"manifest.json":    `{"schema_version": "wrong"}`,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Contains(t, report.HintCategories(), string(HintSchemaError))
}

func TestValidate_EmptyDirIsError(t *testing.T) {
	report, err := newValidator(t).Validate(context.Background(), t.TempDir(), defaultPolicy(t))
	assert.Error(t, err)
	assert.Equal(t, StatusError, report.Status)
}

func TestValidate_ArtifactCaptured(t *testing.T) {
	dir := writeModule(t, map[string]string{
		"adapter.go":       goodAdapter,
		"adapter_check.go": goodChecks,
		"manifest.json":    goodManifest,
	})

	report, err := newValidator(t).Validate(context.Background(), dir, defaultPolicy(t))
	require.NoError(t, err)
	require.NotEmpty(t, report.Artifacts)
	_, statErr := os.Stat(report.Artifacts[0])
	assert.NoError(t, statErr)
}
