package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_Recognized(t *testing.T) {
	for _, name := range []string{"default", "module_validation", "integration_test"} {
		p, err := Profile(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
	}

	_, err := Profile("yolo")
	assert.Error(t, err)
}

func TestProfile_DefaultIsStdlibOnlyAndBlocked(t *testing.T) {
	p, err := Profile("default")
	require.NoError(t, err)

	assert.Equal(t, NetworkBlocked, p.Network.Mode)
	assert.Equal(t, 30*time.Second, p.Resources.Timeout)
	assert.Equal(t, 256, p.Resources.MemoryMB)
	assert.Equal(t, 4, p.Resources.MaxProcs)

	allowed := p.AllowedPackages()
	assert.True(t, allowed["strings"])
	assert.False(t, allowed["net/http"], "default profile must not admit http clients")
}

func TestProfile_ModuleValidationAddsCategoriesButNetworkStaysBlocked(t *testing.T) {
	p, err := Profile("module_validation")
	require.NoError(t, err)

	assert.Equal(t, NetworkBlocked, p.Network.Mode)
	allowed := p.AllowedPackages()
	assert.True(t, allowed["net/http"])
	assert.True(t, allowed["testing"])
}

func TestMerge_Monotone(t *testing.T) {
	a, err := Profile("default")
	require.NoError(t, err)
	b, err := Profile("integration_test")
	require.NoError(t, err)

	merged := Merge(a, b)

	assert.Equal(t, NetworkAllowlisted, merged.Network.Mode)
	assert.Equal(t, 5000*time.Millisecond, merged.Network.ConnectTimeout)
	assert.Equal(t, 256, merged.Resources.MemoryMB)
	// Categories are the union of both sides.
	assert.Contains(t, merged.Imports.Categories, CategoryStdlib)
	assert.Contains(t, merged.Imports.Categories, CategoryHTTPClients)
}

func TestMerge_NeverUnforbids(t *testing.T) {
	a, err := Profile("default")
	require.NoError(t, err)
	b := a
	b.Imports.Extra = []string{"os/exec", "syscall"}

	merged := Merge(a, b)
	allowed := merged.AllowedPackages()
	assert.False(t, allowed["os/exec"])
	assert.False(t, allowed["syscall"])
}

func TestForbiddenRule_CoversSubpackages(t *testing.T) {
	_, forbidden := ForbiddenRule("os/exec")
	assert.True(t, forbidden)

	_, forbidden = ForbiddenRule("os/signal")
	assert.True(t, forbidden, "children of forbidden roots are forbidden")

	_, forbidden = ForbiddenRule("strings")
	assert.False(t, forbidden)
}
