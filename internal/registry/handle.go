package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"evoforge/internal/contract"
	"evoforge/internal/sandbox"
)

// Handle is a dispatchable reference to an active module. Every invocation
// goes through the module's circuit breaker and returns the canonical run
// result envelope.
type Handle interface {
	ModuleID() string
	Capabilities() []string
	Describe(ctx context.Context) (string, error)
	Invoke(ctx context.Context, input string, trace contract.Trace) (*contract.RunResult, error)
}

// Acquire returns a handle for an active module.
func (r *Registry) Acquire(moduleID string) (Handle, error) {
	entry, ok := r.Lookup(moduleID)
	if !ok {
		return nil, fmt.Errorf("module %s is not active", moduleID)
	}
	if r.runner == nil {
		return nil, fmt.Errorf("registry has no sandbox runner")
	}
	return &moduleHandle{
		entry:   entry,
		breaker: r.breaker(moduleID),
		runner:  r.runner,
	}, nil
}

type moduleHandle struct {
	entry   Entry
	breaker *gobreaker.CircuitBreaker
	runner  *sandbox.Runner
}

func (h *moduleHandle) ModuleID() string {
	return h.entry.Manifest.ModuleID
}

func (h *moduleHandle) Capabilities() []string {
	out := make([]string, len(h.entry.Manifest.Capabilities))
	copy(out, h.entry.Manifest.Capabilities)
	return out
}

// Describe runs the module's Describe entry outside the breaker; it is
// side-effect free and cheap.
func (h *moduleHandle) Describe(ctx context.Context) (string, error) {
	res, err := h.run(ctx, "main.Describe", "")
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("describe failed: %s", res.Detail)
	}
	return res.Output, nil
}

// Invoke executes the module's Invoke entry under the circuit breaker and
// wraps the outcome in the run result envelope. An open breaker fails fast
// without touching the sandbox.
func (h *moduleHandle) Invoke(ctx context.Context, input string, trace contract.Trace) (*contract.RunResult, error) {
	started := time.Now().UTC()

	outcome, err := h.breaker.Execute(func() (any, error) {
		res, runErr := h.run(ctx, "main.Invoke", input)
		if runErr != nil {
			return nil, runErr
		}
		if !res.Success {
			// Counts as a breaker failure but still yields an envelope.
			return res, fmt.Errorf("module run %s: %s", res.Failure, res.Detail)
		}
		return res, nil
	})

	result := &contract.RunResult{
		ContractVersion: contract.RunResultVersion,
		Run: contract.RunInfo{
			ID:        uuid.NewString(),
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
			Status:    contract.RunSucceeded,
		},
		Trace: trace,
	}

	if err != nil {
		result.Run.Status = contract.RunErrored
		result.Errors = append(result.Errors, contract.RunError{
			Code:    errorCode(err),
			Message: err.Error(),
		})
		if res, ok := outcome.(*sandbox.ExecutionResult); ok && res != nil {
			h.fillFromExecution(result, res)
			if res.Failure == "" {
				result.Run.Status = contract.RunFailed
			}
		}
		return result, nil
	}

	res := outcome.(*sandbox.ExecutionResult)
	h.fillFromExecution(result, res)
	return result, nil
}

// run loads the module's sources and executes one entry point in the
// sandbox under the validation policy widened by the manifest's resource
// hints.
func (h *moduleHandle) run(ctx context.Context, entry, input string) (*sandbox.ExecutionResult, error) {
	files, err := contract.ReadBundleDir(h.entry.ModuleDir)
	if err != nil {
		return nil, fmt.Errorf("module sources unreadable: %w", err)
	}
	sources := map[string]string{}
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".go") {
			sources[f.Path] = string(f.Content)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("module %s has no sources", h.entry.Manifest.ModuleID)
	}

	policy, err := sandbox.Profile("module_validation")
	if err != nil {
		return nil, err
	}
	if hints := h.entry.Manifest.Resources; hints.MemoryMB > 0 || hints.TimeoutSeconds > 0 {
		policy = sandbox.Merge(policy, sandbox.Policy{
			Name: policy.Name,
			Resources: sandbox.ResourcePolicy{
				MemoryMB: hints.MemoryMB,
				Timeout:  time.Duration(hints.TimeoutSeconds) * time.Second,
			},
		})
	}

	return h.runner.Run(ctx, sandbox.RunSpec{
		Files:  sources,
		Entry:  entry,
		Input:  input,
		Policy: policy,
	})
}

// fillFromExecution copies sandbox output into the envelope. Valid JSON
// output passes through untouched so adapters control their own data shape.
func (h *moduleHandle) fillFromExecution(result *contract.RunResult, res *sandbox.ExecutionResult) {
	if res.Output != "" {
		if json.Valid([]byte(res.Output)) {
			result.Data = json.RawMessage(res.Output)
			h.hoistArtifacts(result)
		} else if quoted, err := json.Marshal(res.Output); err == nil {
			result.Data = quoted
		}
	}
	result.Metering.RunUnits = res.Resources.WallTime.Seconds()
}

// hoistArtifacts promotes a declared artifacts list out of the adapter's
// payload into the envelope. Chart artifacts must pass structural and
// deterministic validation or the run is marked failed.
func (h *moduleHandle) hoistArtifacts(result *contract.RunResult) {
	var payload struct {
		Data      json.RawMessage        `json:"data"`
		Artifacts []contract.RunArtifact `json:"artifacts"`
	}
	if err := json.Unmarshal(result.Data, &payload); err != nil || len(payload.Artifacts) == 0 {
		return
	}
	result.Artifacts = payload.Artifacts
	if payload.Data != nil {
		result.Data = payload.Data
	}
	for _, art := range result.Artifacts {
		if art.Kind != "chart" {
			continue
		}
		if err := contract.ValidateChartArtifact(art, h.entry.ModuleDir); err != nil {
			result.Run.Status = contract.RunFailed
			result.Errors = append(result.Errors, contract.RunError{
				Code:    "CHART_INVALID",
				Message: err.Error(),
			})
		}
	}
}

func errorCode(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "CIRCUIT_OPEN"
	}
	return "MODULE_FAILURE"
}
