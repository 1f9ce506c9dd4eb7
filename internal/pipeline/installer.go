package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"evoforge/internal/contract"
	"evoforge/internal/metrics"
	"evoforge/internal/validator"
)

// AttestedInstall is the only input the installer accepts: a validation
// verdict bound to a specific bundle hash.
type AttestedInstall struct {
	ModuleID     string           `json:"module_id"`
	Version      string           `json:"version"`
	BundleSHA256 string           `json:"bundle_sha256"`
	Status       validator.Status `json:"status"`
	ValidatedAt  time.Time        `json:"validated_at"`
}

// Install rejection reason codes.
const (
	RejectNotValidated       = "NOT_VALIDATED"
	RejectHashMismatch       = "HASH_MISMATCH"
	RejectMissingAttestation = "MISSING_ATTESTATION"
)

// InstallResult reports the installer's decision.
type InstallResult struct {
	Installed    bool
	Reason       string
	ModuleDir    string
	PriorVersion string
}

// Registrar is how the installer announces a newly active module. The
// registry implements it; tests fake it.
type Registrar interface {
	RegisterManifest(manifest *contract.Manifest, moduleDir string) error
}

// Installer verifies attestations, lays modules out on disk, and swaps the
// active pointer atomically. Prior versions are retained for rollback.
type Installer struct {
	modulesDir   string
	artifactsDir string
	registrar    Registrar
	log          *zap.Logger
	metrics      *metrics.Set
}

// NewInstaller creates an installer rooted at modulesDir with a
// content-addressed artifact store at artifactsDir. registrar may be nil.
func NewInstaller(modulesDir, artifactsDir string, registrar Registrar, log *zap.Logger, m *metrics.Set) (*Installer, error) {
	for _, dir := range []string{modulesDir, artifactsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Installer{
		modulesDir:   modulesDir,
		artifactsDir: artifactsDir,
		registrar:    registrar,
		log:          log.Named("installer"),
		metrics:      m,
	}, nil
}

// Install verifies the attestation against the staged files and, on
// success, copies the bundle into the module tree and swaps the active
// pointer. Rejections are decisions, not errors; the error return is for
// infrastructure faults only.
func (ins *Installer) Install(att *AttestedInstall, stagingDir string) (*InstallResult, error) {
	if att == nil || att.BundleSHA256 == "" {
		ins.observe(RejectMissingAttestation)
		return &InstallResult{Reason: RejectMissingAttestation}, nil
	}
	if att.Status != validator.StatusValidated {
		ins.observe(RejectNotValidated)
		return &InstallResult{Reason: RejectNotValidated}, nil
	}

	// Recompute from what is actually on disk; a tampered bundle fails here.
	files, err := contract.ReadBundleDir(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("staging dir unreadable: %w", err)
	}
	recomputed := contract.BuildBundle(files)
	if recomputed.BundleSHA256 != att.BundleSHA256 {
		ins.observe(RejectHashMismatch)
		ins.log.Warn("bundle hash mismatch at install",
			zap.String("module_id", att.ModuleID),
			zap.String("attested", att.BundleSHA256),
			zap.String("recomputed", recomputed.BundleSHA256))
		return &InstallResult{Reason: RejectHashMismatch}, nil
	}

	moduleRoot := filepath.Join(ins.modulesDir, filepath.FromSlash(att.ModuleID))
	versionDir := filepath.Join(moduleRoot, att.Version)
	if err := contract.WriteBundleDir(versionDir, files); err != nil {
		return nil, fmt.Errorf("failed to lay out module: %w", err)
	}
	if err := ins.storeArtifacts(files); err != nil {
		return nil, err
	}

	prior, err := ins.swapActivePointer(moduleRoot, att.Version)
	if err != nil {
		return nil, err
	}

	if ins.registrar != nil {
		manifest, err := ins.loadManifest(versionDir, att)
		if err != nil {
			return nil, err
		}
		if err := ins.registrar.RegisterManifest(manifest, versionDir); err != nil {
			return nil, fmt.Errorf("registry rejected module: %w", err)
		}
	}

	ins.observe("INSTALLED")
	ins.log.Info("module installed",
		zap.String("module_id", att.ModuleID),
		zap.String("version", att.Version),
		zap.String("bundle_sha256", att.BundleSHA256))
	return &InstallResult{Installed: true, ModuleDir: versionDir, PriorVersion: prior}, nil
}

// swapActivePointer atomically replaces the active-version pointer file via
// write-temp-then-rename. The previous pointee stays on disk for rollback.
func (ins *Installer) swapActivePointer(moduleRoot, version string) (prior string, err error) {
	pointer := filepath.Join(moduleRoot, "active")
	if data, err := os.ReadFile(pointer); err == nil {
		prior = string(data)
	}
	tmp := pointer + ".tmp"
	if err := os.WriteFile(tmp, []byte(version), 0644); err != nil {
		return "", fmt.Errorf("failed to stage active pointer: %w", err)
	}
	if err := os.Rename(tmp, pointer); err != nil {
		return "", fmt.Errorf("failed to swap active pointer: %w", err)
	}
	return prior, nil
}

// storeArtifacts copies every bundle file into the content-addressed store.
// Entries are keyed by sha256 and never overwritten.
func (ins *Installer) storeArtifacts(files []contract.File) error {
	bundle := contract.BuildBundle(files)
	byPath := map[string][]byte{}
	for _, f := range files {
		byPath[f.Path] = f.Content
	}
	for _, entry := range bundle.Entries {
		dir := filepath.Join(ins.artifactsDir, entry.SHA256[:2])
		dest := filepath.Join(dir, entry.SHA256)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create artifact shard dir: %w", err)
		}
		if err := os.WriteFile(dest, byPath[entry.Path], 0644); err != nil {
			return fmt.Errorf("failed to store artifact %s: %w", entry.SHA256, err)
		}
	}
	return nil
}

func (ins *Installer) loadManifest(versionDir string, att *AttestedInstall) (*contract.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(versionDir, filepath.FromSlash(att.ModuleID), "manifest.json"))
	if err != nil {
		// Bundles may root files at the module id or at the dir top level.
		raw, err = os.ReadFile(filepath.Join(versionDir, "manifest.json"))
		if err != nil {
			return nil, fmt.Errorf("installed module has no manifest: %w", err)
		}
	}
	manifest, err := contract.ValidateManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("installed manifest invalid: %w", err)
	}
	manifest.Status = contract.StatusActive
	return manifest, nil
}

func (ins *Installer) observe(reason string) {
	if ins.metrics != nil {
		ins.metrics.InstallOutcomes.WithLabelValues(reason).Inc()
	}
}
