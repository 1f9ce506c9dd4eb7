package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanImports_CollectsLineNumbers(t *testing.T) {
	refs, err := ScanImports(map[string]string{
		"a.go": `package main

import (
	"fmt"
	"strings"
)
`,
		"manifest.json": `{"ignored": true}`,
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	byPath := map[string]int{}
	for _, ref := range refs {
		byPath[ref.Path] = ref.Line
	}
	assert.Equal(t, 4, byPath["fmt"])
	assert.Equal(t, 5, byPath["strings"])
}

func TestScanImports_ParseFailure(t *testing.T) {
	_, err := ScanImports(map[string]string{"bad.go": "this is not go"})
	assert.Error(t, err)
}

func TestCheckStatic_ForbiddenBeatsCategory(t *testing.T) {
	policy, err := Profile("module_validation")
	require.NoError(t, err)
	// Even with extras naming it, a forbidden import stays a violation.
	policy.Imports.Extra = []string{"syscall"}

	violations, err := CheckStatic(map[string]string{
		"a.go": "package main\n\nimport \"syscall\"\n\nvar _ = syscall.Getpid\n",
	}, policy)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "syscall", violations[0].Module)
	assert.Equal(t, "raw system calls", violations[0].Rule)
}

func TestCheckStatic_HTTPClientCategoryAdmitted(t *testing.T) {
	policy, err := Profile("module_validation")
	require.NoError(t, err)

	violations, err := CheckStatic(map[string]string{
		"a.go": `package main

import (
	"net/http"
	"net/url"
)

var _ = http.Get
var _ = url.Parse
`,
	}, policy)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckStatic_RawNetStillForbidden(t *testing.T) {
	policy, err := Profile("module_validation")
	require.NoError(t, err)

	violations, err := CheckStatic(map[string]string{
		"a.go": "package main\n\nimport \"net\"\n\nvar _ = net.Dial\n",
	}, policy)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "net", violations[0].Module)
	assert.Equal(t, "raw network access", violations[0].Rule)
}

func TestCheckStatic_UnlistedNetSubpackageIsCategoryViolation(t *testing.T) {
	policy, err := Profile("module_validation")
	require.NoError(t, err)

	violations, err := CheckStatic(map[string]string{
		"a.go": "package main\n\nimport \"net/smtp\"\n\nvar _ = smtp.Dial\n",
	}, policy)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "net/smtp", violations[0].Module)
	// Outside the allowlist but not a forbidden-class import; the validator
	// turns this into a repairable import hint, not a security block.
	assert.Equal(t, "outside allowed import categories", violations[0].Rule)
}

func TestCheckStatic_CleanModule(t *testing.T) {
	policy, err := Profile("default")
	require.NoError(t, err)

	violations, err := CheckStatic(map[string]string{
		"a.go": "package main\n\nimport \"strings\"\n\nvar _ = strings.ToUpper\n",
	}, policy)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
