// Package validator merges static analysis and sandboxed runtime checks on a
// generated module into a single report with actionable fix hints. The
// repair loop feeds those hints verbatim back to the model.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"evoforge/internal/contract"
	"evoforge/internal/sandbox"
)

// Status is the merged verdict for a module.
type Status string

const (
	StatusValidated Status = "VALIDATED"
	StatusFailed    Status = "FAILED"
	StatusError     Status = "ERROR"
)

// HintCategory classifies a fix hint for the repair stage.
type HintCategory string

const (
	HintImportViolation HintCategory = "import_violation"
	HintTestFailure     HintCategory = "test_failure"
	HintSchemaError     HintCategory = "schema_error"
	HintMissingMethod   HintCategory = "missing_method"
	HintPolicyViolation HintCategory = "policy_violation"
	HintSecurityBlock   HintCategory = "security_block"
)

// FixHint is one actionable suggestion extracted from a failure.
type FixHint struct {
	Category   HintCategory `json:"category"`
	Location   string       `json:"location,omitempty"`
	Suggestion string       `json:"suggestion"`
	Severity   string       `json:"severity"`
}

// StaticCheck is the outcome of one static-phase check.
type StaticCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RuntimeResults summarizes the sandboxed test run.
type RuntimeResults struct {
	Executed int           `json:"executed"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errored  int           `json:"errored"`
	Duration time.Duration `json:"duration"`
}

// Report is the merged validation result.
type Report struct {
	Status        Status         `json:"status"`
	StaticResults []StaticCheck  `json:"static_results"`
	Runtime       RuntimeResults `json:"runtime_results"`
	FixHints      []FixHint      `json:"fix_hints,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	ValidatedAt   time.Time      `json:"validated_at"`
}

// HintCategories returns the sorted-unique hint categories in the report,
// used by failure fingerprinting.
func (r *Report) HintCategories() []string {
	seen := map[string]bool{}
	for _, h := range r.FixHints {
		seen[string(h.Category)] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasTerminalViolation reports whether any hint carries a category that ends
// the repair loop immediately.
func (r *Report) HasTerminalViolation() bool {
	for _, h := range r.FixHints {
		if h.Category == HintPolicyViolation || h.Category == HintSecurityBlock {
			return true
		}
	}
	return false
}

// checkReport is the JSON shape the module's RunChecks entry emits.
type checkReport struct {
	Tests    int `json:"tests"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Errored  int `json:"errored"`
	Failures []struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"failures,omitempty"`
}

// Required module symbols: the adapter contract plus the check harness.
var requiredSymbols = []string{"Invoke", "Describe", "RunChecks"}

// Validator runs both phases and merges the results.
type Validator struct {
	runner *sandbox.Runner
	log    *zap.Logger
}

// New creates a validator backed by the given sandbox runner.
func New(runner *sandbox.Runner, log *zap.Logger) *Validator {
	return &Validator{runner: runner, log: log.Named("validator")}
}

// Validate checks the module at dir under policy. The returned error is
// non-nil only for infrastructure faults; everything else lands in the
// report. A FAILED report always carries fix hints.
func (v *Validator) Validate(ctx context.Context, dir string, policy sandbox.Policy) (*Report, error) {
	report := &Report{ValidatedAt: time.Now().UTC()}

	files, err := contract.ReadBundleDir(dir)
	if err != nil {
		report.Status = StatusError
		return report, fmt.Errorf("module dir unreadable: %w", err)
	}
	if len(files) == 0 {
		report.Status = StatusError
		return report, fmt.Errorf("module dir %s is empty", dir)
	}

	sources := map[string]string{}
	var manifestRaw []byte
	for _, f := range files {
		if strings.Contains(f.Path, "..") {
			report.addStatic("path_confinement", false, f.Path)
			report.addHint(HintSecurityBlock, f.Path, "remove path escaping the module root", "critical")
			continue
		}
		switch {
		case strings.HasSuffix(f.Path, ".go"):
			sources[f.Path] = string(f.Content)
		case filepath.Base(f.Path) == "manifest.json":
			manifestRaw = f.Content
		}
	}

	v.checkSyntaxAndSymbols(report, sources)
	v.checkManifest(report, manifestRaw)
	v.checkImports(report, sources, policy)

	staticOK := true
	for _, c := range report.StaticResults {
		if !c.Passed {
			staticOK = false
		}
	}
	if !staticOK {
		report.Status = StatusFailed
		v.log.Info("static validation failed",
			zap.String("dir", dir),
			zap.Int("hints", len(report.FixHints)))
		return report, nil
	}

	if err := v.runChecks(ctx, report, dir, sources, policy); err != nil {
		report.Status = StatusError
		return report, err
	}

	if report.Status == "" {
		if report.Runtime.Failed == 0 && report.Runtime.Errored == 0 && len(report.FixHints) == 0 {
			report.Status = StatusValidated
		} else {
			report.Status = StatusFailed
		}
	}
	v.log.Info("validation finished",
		zap.String("dir", dir),
		zap.String("status", string(report.Status)),
		zap.Int("tests", report.Runtime.Executed),
		zap.Int("failed", report.Runtime.Failed))
	return report, nil
}

// checkSyntaxAndSymbols parses every source file and verifies the required
// contract symbols are declared somewhere in the module.
func (v *Validator) checkSyntaxAndSymbols(report *Report, sources map[string]string) {
	declared := map[string]bool{}
	parseOK := true
	for name, src := range sources {
		fset := token.NewFileSet()
		parsed, err := parser.ParseFile(fset, name, src, 0)
		if err != nil {
			parseOK = false
			report.addStatic("syntax", false, err.Error())
			report.addHint(HintTestFailure, name, fmt.Sprintf("fix syntax error: %v", err), "high")
			continue
		}
		ast.Inspect(parsed, func(n ast.Node) bool {
			if fn, ok := n.(*ast.FuncDecl); ok && fn.Recv == nil {
				declared[fn.Name.Name] = true
			}
			return true
		})
	}
	if parseOK {
		report.addStatic("syntax", true, "")
	}

	missing := []string{}
	for _, sym := range requiredSymbols {
		if !declared[sym] {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		report.addStatic("contract_symbols", false, strings.Join(missing, ", "))
		for _, sym := range missing {
			report.addHint(HintMissingMethod, "",
				fmt.Sprintf("declare func %s(input string) (string, error) at package level", sym), "high")
		}
	} else {
		report.addStatic("contract_symbols", true, "")
	}
}

func (v *Validator) checkManifest(report *Report, raw []byte) {
	if raw == nil {
		report.addStatic("manifest", false, "manifest.json missing")
		report.addHint(HintSchemaError, "manifest.json", "add a manifest.json matching the evoforge/manifest/v1 schema", "high")
		return
	}
	if _, err := contract.ValidateManifest(raw); err != nil {
		report.addStatic("manifest", false, err.Error())
		report.addHint(HintSchemaError, "manifest.json", fmt.Sprintf("fix manifest: %v", err), "high")
		return
	}
	report.addStatic("manifest", true, "")
}

func (v *Validator) checkImports(report *Report, sources map[string]string, policy sandbox.Policy) {
	violations, err := sandbox.CheckStatic(sources, policy)
	if err != nil {
		// Parse errors were already reported by the syntax check.
		report.addStatic("imports", false, err.Error())
		return
	}
	if len(violations) == 0 {
		report.addStatic("imports", true, "")
		return
	}
	report.addStatic("imports", false, fmt.Sprintf("%d violation(s)", len(violations)))
	for _, viol := range violations {
		loc := fmt.Sprintf("line %d", viol.Line)
		if _, forbidden := sandbox.ForbiddenRule(viol.Module); forbidden {
			report.addHint(HintSecurityBlock, loc,
				fmt.Sprintf("remove forbidden import %q (%s)", viol.Module, viol.Rule), "critical")
		} else {
			report.addHint(HintImportViolation, loc,
				fmt.Sprintf("import %q is outside the allowed categories; use the policy's allowlist", viol.Module), "high")
		}
	}
}

// runChecks executes the module's check harness in the sandbox and folds the
// structured report into runtime results.
func (v *Validator) runChecks(ctx context.Context, report *Report, dir string, sources map[string]string, policy sandbox.Policy) error {
	artifactDir := filepath.Join(dir, ".artifacts")
	res, err := v.runner.Run(ctx, sandbox.RunSpec{
		Files:       sources,
		Entry:       "main.RunChecks",
		Policy:      policy,
		ArtifactDir: artifactDir,
	})
	if err != nil {
		return fmt.Errorf("sandbox infrastructure fault: %w", err)
	}
	report.Artifacts = append(report.Artifacts, res.Artifacts...)

	switch res.Failure {
	case sandbox.FailureImport:
		for _, viol := range res.ImportViolations {
			report.addHint(HintSecurityBlock, viol.Module,
				fmt.Sprintf("import %q intercepted by the %s layer", viol.Module, viol.Layer), "critical")
		}
		report.Status = StatusFailed
		return nil
	case sandbox.FailureNetwork:
		report.addHint(HintPolicyViolation, "",
			"remove network access; the policy blocks egress", "critical")
		report.Status = StatusFailed
		return nil
	case sandbox.FailureTimeout, sandbox.FailureMemory:
		report.addHint(HintPolicyViolation, "",
			fmt.Sprintf("run exceeded resource policy (%s)", res.Failure), "critical")
		report.Status = StatusFailed
		return nil
	case sandbox.FailureCrash:
		// A crash inside module code is fixable; report it as a test failure.
		report.Runtime.Errored++
		report.addHint(HintTestFailure, "", fmt.Sprintf("module crashed during checks: %s", res.Detail), "high")
		report.Status = StatusFailed
		return nil
	}

	var checks checkReport
	if res.Output == "" || json.Unmarshal([]byte(res.Output), &checks) != nil {
		if !res.Success {
			// The harness returned an error instead of a report; fixable.
			report.Runtime.Errored++
			report.addHint(HintTestFailure, "", "check harness failed before producing a report: "+res.Detail, "high")
			report.Status = StatusFailed
			return nil
		}
		return fmt.Errorf("check harness produced no parseable report")
	}
	report.Runtime = RuntimeResults{
		Executed: checks.Tests,
		Passed:   checks.Passed,
		Failed:   checks.Failed,
		Errored:  checks.Errored,
		Duration: res.Resources.WallTime,
	}
	for _, f := range checks.Failures {
		report.addHint(HintTestFailure, f.Name,
			fmt.Sprintf("make check %q pass: %s", f.Name, f.Message), "high")
	}
	// RunChecks reporting a top-level error without structured failures still
	// counts against the run.
	if !res.Success && checks.Failed == 0 && checks.Errored == 0 {
		report.Runtime.Errored++
		report.addHint(HintTestFailure, "", "check harness exited non-zero: "+res.Detail, "high")
	}
	return nil
}

func (r *Report) addStatic(name string, passed bool, detail string) {
	r.StaticResults = append(r.StaticResults, StaticCheck{Name: name, Passed: passed, Detail: detail})
}

func (r *Report) addHint(cat HintCategory, loc, suggestion, severity string) {
	r.FixHints = append(r.FixHints, FixHint{
		Category:   cat,
		Location:   loc,
		Suggestion: suggestion,
		Severity:   severity,
	})
}
