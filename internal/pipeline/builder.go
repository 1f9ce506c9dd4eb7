package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"evoforge/internal/contract"
	"evoforge/internal/gateway"
	"evoforge/internal/metrics"
	"evoforge/internal/sandbox"
	"evoforge/internal/validator"
)

// BuildOutcome is the terminal state of a build job.
type BuildOutcome string

const (
	OutcomeValidated BuildOutcome = "VALIDATED"
	OutcomeThrashing BuildOutcome = "THRASHING"
	OutcomeTerminal  BuildOutcome = "TERMINAL"
	OutcomeExhausted BuildOutcome = "EXHAUSTED"
	OutcomeError     BuildOutcome = "ERROR"
)

// BuildResult is what a finished build job reports back to the
// orchestrator.
type BuildResult struct {
	JobID     string
	ModuleID  string
	Outcome   BuildOutcome
	Attempts  int
	Bundle    contract.ArtifactBundle
	ModuleDir string
	Report    *validator.Report
	Diagnosis string
}

// TextGenerator is the slice of the gateway the pipeline needs.
type TextGenerator interface {
	Generate(ctx context.Context, purpose gateway.Purpose, jobID string, req gateway.Request, contract gateway.OutputContract) (*gateway.Result, error)
}

// ModuleValidator is the slice of the validator the pipeline needs.
type ModuleValidator interface {
	Validate(ctx context.Context, dir string, policy sandbox.Policy) (*validator.Report, error)
}

// BuilderConfig bounds the build loop.
type BuilderConfig struct {
	MaxRepairAttempts   int     // 0 means never repair
	ConfidenceThreshold float64 // default 0.6
	MaxScaffoldRegens   int     // bounded regeneration before implement
	StagingDir          string
}

// Builder runs the scaffold/implement/test/repair pipeline for one module.
type Builder struct {
	generator TextGenerator
	validator ModuleValidator
	installer *Installer
	audit     *AuditLog
	config    BuilderConfig
	log       *zap.Logger
	metrics   *metrics.Set
}

// NewBuilder wires a builder. installer may be nil when the caller installs
// separately.
func NewBuilder(gen TextGenerator, val ModuleValidator, installer *Installer, audit *AuditLog, cfg BuilderConfig, log *zap.Logger, m *metrics.Set) *Builder {
	if cfg.MaxRepairAttempts < 0 {
		cfg.MaxRepairAttempts = 0
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxScaffoldRegens <= 0 {
		cfg.MaxScaffoldRegens = 2
	}
	return &Builder{
		generator: gen,
		validator: val,
		installer: installer,
		audit:     audit,
		config:    cfg,
		log:       log.Named("pipeline"),
		metrics:   m,
	}
}

// outputContract adapts the generator response contract to the gateway.
type outputContract struct {
	moduleRoot string
}

func (c outputContract) Validate(text string) error {
	_, err := contract.ParseGeneratorResponse(text, c.moduleRoot)
	return err
}

// Build drives one job end to end. The returned error covers infrastructure
// faults only; build failures are expressed through the outcome.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	jobID := JobID(req)
	moduleID := ModuleID(req)
	result := &BuildResult{JobID: jobID, ModuleID: moduleID}

	policy, err := sandbox.Profile(req.PolicyProfile)
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}

	b.log.Info("build started",
		zap.String("job_id", jobID),
		zap.String("module_id", moduleID),
		zap.String("org_id", req.OrgID),
		zap.String("correlation_id", req.CorrelationID))

	// Stage: scaffold (template-driven, deterministic).
	files, err := ScaffoldModule(req, moduleID)
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}
	files, err = b.gateScaffold(ctx, req, jobID, moduleID, files, policy)
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}

	// Stage: implement.
	files, err = b.implement(ctx, req, jobID, moduleID, files, policy)
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}

	stagingDir := filepath.Join(b.config.StagingDir, jobID)

	// Stage: test, then bounded repair.
	var priorFingerprint string
	maxAttempts := 1 + b.config.MaxRepairAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		report, bundle, err := b.validateAttempt(ctx, stagingDir, files, policy)
		if err != nil {
			result.Outcome = OutcomeError
			return result, err
		}

		fingerprint := ""
		if report.Status != validator.StatusValidated {
			fingerprint = Fingerprint(report)
		}
		record := AttemptRecord{
			AttemptIndex:       attempt,
			BundleSHA256:       bundle.BundleSHA256,
			Report:             report,
			FailureFingerprint: fingerprint,
			Timestamp:          time.Now().UTC(),
			ScorerVersion:      ScorerVersion,
		}
		if err := b.audit.AppendAttempt(jobID, req.OrgID, req.CorrelationID, record); err != nil {
			result.Outcome = OutcomeError
			return result, err
		}

		result.Attempts = attempt + 1
		result.Report = report
		result.Bundle = bundle
		result.ModuleDir = stagingDir

		switch {
		case report.Status == validator.StatusValidated:
			b.observeRepair(string(OutcomeValidated))
			return b.finishValidated(req, result, report)

		case report.HasTerminalViolation():
			// policy_violation and security_block never consume more attempts.
			if err := b.audit.AppendTerminal(jobID, req.OrgID, req.CorrelationID, "TERMINAL"); err != nil {
				return result, err
			}
			result.Outcome = OutcomeTerminal
			result.Diagnosis = b.diagnose(report, fingerprint)
			b.observeRepair(string(OutcomeTerminal))
			return result, nil

		case fingerprint == priorFingerprint && priorFingerprint != "":
			if err := b.audit.AppendTerminal(jobID, req.OrgID, req.CorrelationID, "THRASHING"); err != nil {
				return result, err
			}
			result.Outcome = OutcomeThrashing
			result.Diagnosis = b.diagnose(report, fingerprint)
			b.observeRepair(string(OutcomeThrashing))
			return result, nil
		}
		priorFingerprint = fingerprint

		if attempt == maxAttempts-1 {
			break
		}

		// Stage: repair.
		files, err = b.repair(ctx, req, jobID, moduleID, files, policy, report, bundle, attempt+1)
		if err != nil {
			result.Outcome = OutcomeError
			return result, err
		}
	}

	result.Outcome = OutcomeExhausted
	result.Diagnosis = b.diagnose(result.Report, priorFingerprint)
	b.observeRepair(string(OutcomeExhausted))
	b.log.Warn("build exhausted repair budget",
		zap.String("job_id", jobID),
		zap.Int("attempts", result.Attempts))
	return result, nil
}

// gateScaffold applies the blueprint confidence gate, regenerating through
// the CODEGEN lane a bounded number of times when the score is low.
func (b *Builder) gateScaffold(ctx context.Context, req BuildRequest, jobID, moduleID string, files []contract.File, policy sandbox.Policy) ([]contract.File, error) {
	for regen := 0; ; regen++ {
		score := ScoreBlueprint(files, policy)
		if score.Composite >= b.config.ConfidenceThreshold {
			b.log.Debug("scaffold passed confidence gate",
				zap.String("job_id", jobID),
				zap.Float64("composite", score.Composite),
				zap.Int("regens", regen))
			return files, nil
		}
		if regen >= b.config.MaxScaffoldRegens {
			return nil, fmt.Errorf("scaffold confidence %0.2f below threshold %0.2f after %d regenerations",
				score.Composite, b.config.ConfidenceThreshold, regen)
		}
		regenerated, err := b.generateFiles(ctx, req, jobID, moduleID, files, policy, StageImplement, regen, nil)
		if err != nil {
			return nil, err
		}
		files = regenerated
	}
}

// implement fills behavioral code through the CODEGEN lane.
func (b *Builder) implement(ctx context.Context, req BuildRequest, jobID, moduleID string, files []contract.File, policy sandbox.Policy) ([]contract.File, error) {
	return b.generateFiles(ctx, req, jobID, moduleID, files, policy, StageImplement, 0, nil)
}

// repair asks the REPAIR lane to address the fix hints from the last report.
func (b *Builder) repair(ctx context.Context, req BuildRequest, jobID, moduleID string, files []contract.File, policy sandbox.Policy, report *validator.Report, bundle contract.ArtifactBundle, attempt int) ([]contract.File, error) {
	return b.generateFiles(ctx, req, jobID, moduleID, files, policy, StageRepair, attempt, report)
}

// generateFiles is the shared gateway call for implement and repair: compose
// the stage prompt, call the lane, validate structured output, and merge the
// changed files into the working set.
func (b *Builder) generateFiles(ctx context.Context, req BuildRequest, jobID, moduleID string, files []contract.File, policy sandbox.Policy, stage Stage, attempt int, report *validator.Report) ([]contract.File, error) {
	sc := StageContext{
		Stage:         stage,
		AttemptIndex:  attempt,
		Intent:        req.Intent,
		Constraints:   req.Constraints,
		PolicyProfile: req.PolicyProfile,
		ModuleID:      moduleID,
		PriorDigest:   contract.BuildBundle(files).BundleSHA256,
	}
	allowed := policy.AllowedPackages()
	for pkg := range allowed {
		sc.AllowedImports = append(sc.AllowedImports, pkg)
	}
	sort.Strings(sc.AllowedImports)
	for _, f := range files {
		if strings.HasSuffix(f.Path, "manifest.json") {
			sc.ManifestJSON = string(f.Content)
		}
	}
	if report != nil {
		sc.RepairHints = report.FixHints
	}

	system, user := ComposePrompt(sc)
	purpose := gateway.PurposeCodegen
	if stage == StageRepair {
		purpose = gateway.PurposeRepair
	}

	res, err := b.generator.Generate(ctx, purpose, jobID, gateway.Request{
		System: system,
		Prompt: user,
	}, outputContract{moduleRoot: moduleID})
	if err != nil {
		return nil, fmt.Errorf("%s stage generation failed: %w", stage, err)
	}

	resp, err := contract.ParseGeneratorResponse(res.Text, moduleID)
	if err != nil {
		// The gateway already validated the contract; disagreement here is a bug.
		return nil, fmt.Errorf("generator response re-parse failed: %w", err)
	}

	merged := mergeFiles(files, resp.ChangedFiles)
	b.log.Debug("stage generated files",
		zap.String("job_id", jobID),
		zap.String("stage", string(stage)),
		zap.String("provider", res.Provider),
		zap.Int("changed", len(resp.ChangedFiles)))
	return merged, nil
}

// validateAttempt stages the current file set and runs the validator on it.
func (b *Builder) validateAttempt(ctx context.Context, stagingDir string, files []contract.File, policy sandbox.Policy) (*validator.Report, contract.ArtifactBundle, error) {
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, contract.ArtifactBundle{}, fmt.Errorf("failed to reset staging dir: %w", err)
	}
	if err := contract.WriteBundleDir(stagingDir, files); err != nil {
		return nil, contract.ArtifactBundle{}, err
	}
	bundle := contract.BuildBundle(files)
	report, err := b.validator.Validate(ctx, stagingDir, policy)
	if err != nil {
		return nil, bundle, fmt.Errorf("validator infrastructure fault: %w", err)
	}
	return report, bundle, nil
}

// finishValidated attests the bundle and hands it to the installer.
func (b *Builder) finishValidated(req BuildRequest, result *BuildResult, report *validator.Report) (*BuildResult, error) {
	result.Outcome = OutcomeValidated
	if b.installer == nil {
		return result, nil
	}

	version := "1.0.0"
	if raw, err := os.ReadFile(filepath.Join(result.ModuleDir, filepath.FromSlash(result.ModuleID), "manifest.json")); err == nil {
		if manifest, err := contract.ValidateManifest(raw); err == nil {
			version = manifest.Version
		}
	}

	att := &AttestedInstall{
		ModuleID:     result.ModuleID,
		Version:      version,
		BundleSHA256: result.Bundle.BundleSHA256,
		Status:       report.Status,
		ValidatedAt:  report.ValidatedAt,
	}
	installRes, err := b.installer.Install(att, result.ModuleDir)
	if err != nil {
		result.Outcome = OutcomeError
		return result, err
	}
	if !installRes.Installed {
		if err := b.audit.AppendReject(result.JobID, req.OrgID, req.CorrelationID, result.ModuleID, installRes.Reason); err != nil {
			return result, err
		}
		result.Outcome = OutcomeError
		result.Diagnosis = "install rejected: " + installRes.Reason
		return result, nil
	}
	if err := b.audit.AppendInstall(result.JobID, req.OrgID, req.CorrelationID, result.ModuleID, result.Bundle.BundleSHA256); err != nil {
		return result, err
	}
	result.ModuleDir = installRes.ModuleDir
	return result, nil
}

// diagnose produces the concise user-facing failure summary: last
// fingerprint, dominant failure category, and a suggested human action.
func (b *Builder) diagnose(report *validator.Report, fingerprint string) string {
	if report == nil {
		return "build failed before any validation attempt"
	}
	counts := map[string]int{}
	for _, hint := range report.FixHints {
		counts[string(hint.Category)]++
	}
	dominant := ""
	for cat, n := range counts {
		if dominant == "" || n > counts[dominant] || (n == counts[dominant] && cat < dominant) {
			dominant = cat
		}
	}
	action := "review the module sources and rerun the build"
	switch dominant {
	case string(validator.HintSecurityBlock), string(validator.HintPolicyViolation):
		action = "adjust the intent or policy profile; the generated code needs forbidden capabilities"
	case string(validator.HintSchemaError):
		action = "fix the module manifest by hand or tighten the constraints"
	case string(validator.HintTestFailure):
		action = "inspect the failing checks in the audit log"
	}
	return fmt.Sprintf("fingerprint=%s dominant=%s action=%s", fingerprint, dominant, action)
}

func (b *Builder) observeRepair(outcome string) {
	if b.metrics != nil {
		b.metrics.RepairAttempts.WithLabelValues(outcome).Inc()
	}
}

// mergeFiles overlays changed files onto the working set by path.
func mergeFiles(files []contract.File, changed []contract.ChangedFile) []contract.File {
	byPath := make(map[string]int, len(files))
	out := make([]contract.File, len(files))
	copy(out, files)
	for i, f := range out {
		byPath[f.Path] = i
	}
	for _, c := range changed {
		if idx, ok := byPath[c.Path]; ok {
			out[idx].Content = []byte(c.Content)
		} else {
			out = append(out, contract.File{Path: c.Path, Content: []byte(c.Content)})
		}
	}
	return out
}
