package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunResultVersion is the canonical envelope version every tool handler must
// emit. The envelope is bit-exact across implementations: field names and
// order are fixed by this struct's declaration order.
const RunResultVersion = "adapter_run_result/v1"

// RunStatus is the terminal status of a single adapter run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunErrored   RunStatus = "errored"
)

// RunInfo identifies one adapter invocation.
type RunInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    RunStatus `json:"status"`
}

// RunArtifact references a file the run produced.
type RunArtifact struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	MIME   string `json:"mime"`
	SHA256 string `json:"sha256"`
}

// RunError is one structured error entry inside the envelope.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metering carries the cost accounting for a run. RunUnits is
// max(cpu_s, gpu_s) * tier_multiplier + tool_overhead.
type Metering struct {
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	RunUnits  float64 `json:"run_units"`
}

// Trace carries correlation data for end-to-end tracing.
type Trace struct {
	CorrelationID string   `json:"correlation_id"`
	SpanIDs       []string `json:"span_ids,omitempty"`
}

// RunResult is the canonical envelope every tool handler returns.
type RunResult struct {
	ContractVersion string          `json:"contract_version"`
	Run             RunInfo         `json:"run"`
	Data            json.RawMessage `json:"data,omitempty"`
	Artifacts       []RunArtifact   `json:"artifacts,omitempty"`
	Errors          []RunError      `json:"errors,omitempty"`
	Metering        Metering        `json:"metering"`
	Trace           Trace           `json:"trace"`
}

// EncodeRunResult serializes the envelope canonically (declaration field
// order, two-space indent, trailing newline).
func EncodeRunResult(r *RunResult) ([]byte, error) {
	if r.ContractVersion != RunResultVersion {
		return nil, fmt.Errorf("unsupported contract version %q", r.ContractVersion)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("run result encode failed: %w", err)
	}
	return append(data, '\n'), nil
}

// chartSpec is the minimal schema every chart artifact must satisfy for the
// declared chart kind.
type chartSpec struct {
	Kind   string            `json:"kind"`
	Title  string            `json:"title"`
	Series []map[string]any  `json:"series"`
	Axes   map[string]string `json:"axes,omitempty"`
}

// ValidateChartArtifact checks a chart artifact structurally (exists,
// non-empty, declared mime), semantically (schema-valid for the declared
// chart kind), and deterministically (on-disk sha256 matches the envelope).
func ValidateChartArtifact(art RunArtifact, baseDir string) error {
	if art.Kind != "chart" {
		return fmt.Errorf("artifact kind %q is not a chart", art.Kind)
	}
	if art.MIME == "" {
		return fmt.Errorf("chart artifact %s has no declared mime", art.Path)
	}
	data, err := os.ReadFile(filepath.Join(baseDir, filepath.FromSlash(art.Path)))
	if err != nil {
		return fmt.Errorf("chart artifact unreadable: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("chart artifact %s is empty", art.Path)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != art.SHA256 {
		return fmt.Errorf("chart artifact %s sha256 mismatch", art.Path)
	}
	var spec chartSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("chart artifact %s is not schema-valid: %w", art.Path, err)
	}
	if spec.Kind == "" || len(spec.Series) == 0 {
		return fmt.Errorf("chart artifact %s missing kind or series", art.Path)
	}
	return nil
}
