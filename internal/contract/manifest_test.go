package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestJSON() []byte {
	return []byte(`{
  "schema_version": "evoforge/manifest/v1",
  "module_id": "weather/openmeteo",
  "version": "1.0.0",
  "capabilities": ["rest_api", "pagination"],
  "status": "pending",
  "org_id": "org-1"
}`)
}

func TestValidateManifest_OK(t *testing.T) {
	m, err := ValidateManifest(validManifestJSON())
	require.NoError(t, err)
	assert.Equal(t, "weather/openmeteo", m.ModuleID)
	assert.Equal(t, StatusPending, m.Status)
}

func TestValidateManifest_UnknownKeyRejected(t *testing.T) {
	raw := []byte(`{
  "schema_version": "evoforge/manifest/v1",
  "module_id": "weather/openmeteo",
  "version": "1.0.0",
  "capabilities": ["rest_api"],
  "status": "pending",
  "org_id": "org-1",
  "surprise": true
}`)
	_, err := ValidateManifest(raw)
	assert.Error(t, err)
}

func TestValidateManifest_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad schema version", `{"schema_version":"v0","module_id":"a/b","version":"1.0.0","capabilities":["x"],"status":"pending","org_id":"o"}`},
		{"module id missing platform", `{"schema_version":"evoforge/manifest/v1","module_id":"weather","version":"1.0.0","capabilities":["x"],"status":"pending","org_id":"o"}`},
		{"bad semver", `{"schema_version":"evoforge/manifest/v1","module_id":"a/b","version":"one","capabilities":["x"],"status":"pending","org_id":"o"}`},
		{"no capabilities", `{"schema_version":"evoforge/manifest/v1","module_id":"a/b","version":"1.0.0","capabilities":[],"status":"pending","org_id":"o"}`},
		{"bad status", `{"schema_version":"evoforge/manifest/v1","module_id":"a/b","version":"1.0.0","capabilities":["x"],"status":"sleeping","org_id":"o"}`},
		{"missing org", `{"schema_version":"evoforge/manifest/v1","module_id":"a/b","version":"1.0.0","capabilities":["x"],"status":"pending"}`},
		{"not json", `---`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateManifest([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeManifest_CanonicalAndStable(t *testing.T) {
	m, err := ValidateManifest(validManifestJSON())
	require.NoError(t, err)

	first, err := EncodeManifest(m)
	require.NoError(t, err)
	second, err := EncodeManifest(m)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, byte('\n'), first[len(first)-1])

	// Encoding round-trips through strict validation.
	_, err = ValidateManifest(first)
	assert.NoError(t, err)
}
