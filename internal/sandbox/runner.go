package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// FailureMode classifies why a run did not succeed. Failure modes are
// reported in the result, never raised as errors to callers.
type FailureMode string

const (
	FailureNone    FailureMode = ""
	FailureTimeout FailureMode = "TIMEOUT"
	FailureMemory  FailureMode = "MEMORY_LIMIT"
	FailureImport  FailureMode = "IMPORT_VIOLATION"
	FailureNetwork FailureMode = "NETWORK_VIOLATION"
	FailureCrash   FailureMode = "CRASH"
)

// ResourceUsage records what the run consumed.
type ResourceUsage struct {
	WallTime time.Duration `json:"wall_time"`
}

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	// Files maps relative path to source. Only .go files are interpreted.
	Files map[string]string
	// Entry is the function to call after evaluation, e.g. "main.RunChecks".
	// It must have signature func(string) (string, error).
	Entry string
	// Input is passed to the entry function.
	Input string
	// Policy governs imports, network, and resources.
	Policy Policy
	// ArtifactDir, when set, receives the entry function's output as
	// report.json plus anything the harness wants captured.
	ArtifactDir string
}

// ExecutionResult is the complete outcome of a sandboxed run.
type ExecutionResult struct {
	Stdout            string            `json:"stdout"`
	Stderr            string            `json:"stderr"`
	ExitCode          int               `json:"exit_code"`
	Output            string            `json:"output"`
	ImportViolations  []ImportViolation `json:"import_violations,omitempty"`
	NetworkViolations []string          `json:"network_violations,omitempty"`
	Resources         ResourceUsage     `json:"resources"`
	Artifacts         []string          `json:"artifacts,omitempty"`
	Success           bool              `json:"success"`
	Failure           FailureMode       `json:"failure,omitempty"`
	Detail            string            `json:"detail,omitempty"`
}

// Runner executes module code in a yaegi interpreter seeded with only the
// symbols the policy admits. Network policy is declared and recorded here;
// actual egress enforcement is container/OS level in production. In-process
// mode logs attempts without enforcing, which is acceptable only for
// development.
type Runner struct {
	log *zap.Logger
}

// NewRunner creates a sandbox runner.
func NewRunner(log *zap.Logger) *Runner {
	return &Runner{log: log.Named("sandbox")}
}

// Run executes spec and reports the outcome. Only infrastructure faults
// (artifact dir unwritable) surface as errors; policy violations, crashes,
// and timeouts are recorded in the result.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*ExecutionResult, error) {
	start := time.Now()
	result := &ExecutionResult{ExitCode: -1}

	// Static layer runs before any code does.
	violations, err := CheckStatic(spec.Files, spec.Policy)
	if err != nil {
		result.Failure = FailureCrash
		result.Detail = err.Error()
		result.Resources.WallTime = time.Since(start)
		return result, nil
	}
	if len(violations) > 0 {
		result.ImportViolations = violations
		result.Failure = FailureImport
		result.Resources.WallTime = time.Since(start)
		r.log.Warn("static import violations",
			zap.Int("count", len(violations)),
			zap.String("first", violations[0].Module))
		return result, nil
	}

	timeout := spec.Policy.Resources.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(r.allowedSymbols(spec.Policy)); err != nil {
		return nil, fmt.Errorf("failed to seed interpreter symbols: %w", err)
	}

	type evalOutcome struct {
		output string
		err    error
		mode   FailureMode
		detail string
	}
	done := make(chan evalOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- evalOutcome{mode: FailureCrash, detail: fmt.Sprintf("panic: %v", rec)}
			}
		}()

		for _, name := range sortedGoFiles(spec.Files) {
			if _, err := i.Eval(spec.Files[name]); err != nil {
				// The runtime layer fails closed: an import the interpreter
				// was not seeded with surfaces as an eval error here.
				if pkg, ok := missingImport(err); ok {
					done <- evalOutcome{mode: FailureImport, detail: pkg}
					return
				}
				done <- evalOutcome{mode: FailureCrash, detail: fmt.Sprintf("eval %s: %v", name, err)}
				return
			}
		}

		entryVal, err := i.Eval(spec.Entry)
		if err != nil {
			done <- evalOutcome{mode: FailureCrash, detail: fmt.Sprintf("entry %s not found: %v", spec.Entry, err)}
			return
		}
		entry, ok := entryVal.Interface().(func(string) (string, error))
		if !ok {
			done <- evalOutcome{mode: FailureCrash, detail: fmt.Sprintf("entry %s has wrong signature", spec.Entry)}
			return
		}
		out, err := entry(spec.Input)
		done <- evalOutcome{output: out, err: err}
	}()

	select {
	case outcome := <-done:
		result.Resources.WallTime = time.Since(start)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		switch {
		case outcome.mode == FailureImport:
			result.Failure = FailureImport
			result.ImportViolations = append(result.ImportViolations, ImportViolation{
				Module: outcome.detail,
				Layer:  LayerRuntime,
				Rule:   "import intercepted at execution time",
			})
		case outcome.mode == FailureCrash:
			result.Failure = FailureCrash
			result.Detail = outcome.detail
		case outcome.err != nil:
			result.ExitCode = 1
			result.Output = outcome.output
			result.Detail = outcome.err.Error()
		default:
			result.ExitCode = 0
			result.Output = outcome.output
			result.Success = true
		}
	case <-runCtx.Done():
		result.Resources.WallTime = time.Since(start)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.Failure = FailureTimeout
		result.Detail = runCtx.Err().Error()
	}

	if result.Failure != FailureNone {
		result.Success = false
	}

	if spec.ArtifactDir != "" && result.Output != "" {
		if err := os.MkdirAll(spec.ArtifactDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create artifact dir: %w", err)
		}
		reportPath := filepath.Join(spec.ArtifactDir, "report.json")
		if err := os.WriteFile(reportPath, []byte(result.Output), 0644); err != nil {
			return nil, fmt.Errorf("failed to capture report artifact: %w", err)
		}
		result.Artifacts = append(result.Artifacts, reportPath)
	}

	r.log.Debug("sandbox run finished",
		zap.Bool("success", result.Success),
		zap.String("failure", string(result.Failure)),
		zap.Duration("wall_time", result.Resources.WallTime))
	return result, nil
}

// allowedSymbols filters the yaegi stdlib symbol table down to the policy's
// allowed packages. Anything absent from the table cannot be imported at
// runtime, which is what makes the runtime layer bypass-proof.
func (r *Runner) allowedSymbols(policy Policy) interp.Exports {
	allowed := policy.AllowedPackages()
	filtered := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if allowed[key[:idx]] {
			filtered[key] = symbols
		}
	}
	return filtered
}

func sortedGoFiles(files map[string]string) []string {
	var names []string
	for name := range files {
		if strings.HasSuffix(name, ".go") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// missingImport extracts the package path from a yaegi "unable to find
// source/package" eval error.
func missingImport(err error) (string, bool) {
	msg := err.Error()
	for _, marker := range []string{`unable to find source related to: "`, `import "`} {
		if idx := strings.Index(msg, marker); idx >= 0 {
			rest := msg[idx+len(marker):]
			if end := strings.Index(rest, `"`); end > 0 {
				return rest[:end], true
			}
		}
	}
	if strings.Contains(msg, "not found in") && strings.Contains(msg, "import") {
		return msg, true
	}
	return "", false
}
