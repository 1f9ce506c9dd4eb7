package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evoforge/internal/contract"
	"evoforge/internal/validator"
)

type recordingRegistrar struct {
	manifests []*contract.Manifest
	dirs      []string
}

func (r *recordingRegistrar) RegisterManifest(m *contract.Manifest, dir string) error {
	r.manifests = append(r.manifests, m)
	r.dirs = append(r.dirs, dir)
	return nil
}

func stageModule(t *testing.T, moduleID string) (string, contract.ArtifactBundle) {
	t.Helper()
	manifest, err := contract.EncodeManifest(&contract.Manifest{
		SchemaVersion: contract.ManifestSchemaVersion,
		ModuleID:      moduleID,
		Version:       "1.0.0",
		Capabilities:  []string{"data_processing"},
		Status:        contract.StatusPending,
		OrgID:         "org-1",
	})
	require.NoError(t, err)

	files := []contract.File{
		{Path: moduleID + "/adapter.go", Content: []byte("package main\n\nfunc Invoke(input string) (string, error) { return input, nil }\n")},
		{Path: moduleID + "/manifest.json", Content: manifest},
	}
	staging := t.TempDir()
	require.NoError(t, contract.WriteBundleDir(staging, files))
	return staging, contract.BuildBundle(files)
}

func newTestInstaller(t *testing.T, reg Registrar) (*Installer, string) {
	t.Helper()
	modulesDir := t.TempDir()
	ins, err := NewInstaller(modulesDir, t.TempDir(), reg, zap.NewNop(), nil)
	require.NoError(t, err)
	return ins, modulesDir
}

func TestInstallHappyPath(t *testing.T) {
	staging, bundle := stageModule(t, "finance/tracker")
	reg := &recordingRegistrar{}
	ins, modulesDir := newTestInstaller(t, reg)

	res, err := ins.Install(&AttestedInstall{
		ModuleID:     "finance/tracker",
		Version:      "1.0.0",
		BundleSHA256: bundle.BundleSHA256,
		Status:       validator.StatusValidated,
		ValidatedAt:  time.Now().UTC(),
	}, staging)
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Empty(t, res.PriorVersion)

	// Laid out under <modules>/<module_id>/<version> with the pointer set.
	pointer, err := os.ReadFile(filepath.Join(modulesDir, "finance", "tracker", "active"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(pointer))
	assert.FileExists(t, filepath.Join(res.ModuleDir, "finance", "tracker", "adapter.go"))

	require.Len(t, reg.manifests, 1)
	assert.Equal(t, contract.StatusActive, reg.manifests[0].Status)
	assert.Equal(t, "finance/tracker", reg.manifests[0].ModuleID)
}

func TestInstallRetainsPriorVersion(t *testing.T) {
	ins, modulesDir := newTestInstaller(t, nil)

	staging1, bundle1 := stageModule(t, "finance/tracker")
	res1, err := ins.Install(&AttestedInstall{
		ModuleID: "finance/tracker", Version: "1.0.0",
		BundleSHA256: bundle1.BundleSHA256, Status: validator.StatusValidated,
	}, staging1)
	require.NoError(t, err)
	require.True(t, res1.Installed)

	staging2, bundle2 := stageModule(t, "finance/tracker")
	res2, err := ins.Install(&AttestedInstall{
		ModuleID: "finance/tracker", Version: "1.1.0",
		BundleSHA256: bundle2.BundleSHA256, Status: validator.StatusValidated,
	}, staging2)
	require.NoError(t, err)
	require.True(t, res2.Installed)
	assert.Equal(t, "1.0.0", res2.PriorVersion)

	pointer, err := os.ReadFile(filepath.Join(modulesDir, "finance", "tracker", "active"))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", string(pointer))
	// The prior version stays on disk for rollback.
	assert.DirExists(t, filepath.Join(modulesDir, "finance", "tracker", "1.0.0"))
}

func TestInstallRejectsTamperedBundle(t *testing.T) {
	staging, bundle := stageModule(t, "finance/tracker")
	ins, modulesDir := newTestInstaller(t, nil)

	// Modify a staged file after attestation.
	tampered := filepath.Join(staging, "finance", "tracker", "adapter.go")
	require.NoError(t, os.WriteFile(tampered, []byte("package main\n\n// tampered\n"), 0644))

	res, err := ins.Install(&AttestedInstall{
		ModuleID: "finance/tracker", Version: "1.0.0",
		BundleSHA256: bundle.BundleSHA256, Status: validator.StatusValidated,
	}, staging)
	require.NoError(t, err)
	assert.False(t, res.Installed)
	assert.Equal(t, RejectHashMismatch, res.Reason)
	assert.NoDirExists(t, filepath.Join(modulesDir, "finance", "tracker"))
}

func TestInstallRejectsUnvalidatedStatus(t *testing.T) {
	staging, bundle := stageModule(t, "finance/tracker")
	ins, _ := newTestInstaller(t, nil)

	for _, status := range []validator.Status{validator.StatusFailed, validator.StatusError} {
		res, err := ins.Install(&AttestedInstall{
			ModuleID: "finance/tracker", Version: "1.0.0",
			BundleSHA256: bundle.BundleSHA256, Status: status,
		}, staging)
		require.NoError(t, err)
		assert.False(t, res.Installed)
		assert.Equal(t, RejectNotValidated, res.Reason)
	}
}

func TestInstallRejectsMissingAttestation(t *testing.T) {
	staging, _ := stageModule(t, "finance/tracker")
	ins, _ := newTestInstaller(t, nil)

	res, err := ins.Install(nil, staging)
	require.NoError(t, err)
	assert.Equal(t, RejectMissingAttestation, res.Reason)

	res, err = ins.Install(&AttestedInstall{ModuleID: "finance/tracker", Status: validator.StatusValidated}, staging)
	require.NoError(t, err)
	assert.Equal(t, RejectMissingAttestation, res.Reason)
}

func TestInstallStoresContentAddressedArtifacts(t *testing.T) {
	staging, bundle := stageModule(t, "finance/tracker")
	artifactsDir := t.TempDir()
	ins, err := NewInstaller(t.TempDir(), artifactsDir, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	res, err := ins.Install(&AttestedInstall{
		ModuleID: "finance/tracker", Version: "1.0.0",
		BundleSHA256: bundle.BundleSHA256, Status: validator.StatusValidated,
	}, staging)
	require.NoError(t, err)
	require.True(t, res.Installed)

	for _, entry := range bundle.Entries {
		assert.FileExists(t, filepath.Join(artifactsDir, entry.SHA256[:2], entry.SHA256))
	}
}
