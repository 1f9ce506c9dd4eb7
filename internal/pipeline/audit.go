package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evoforge/internal/validator"
)

// AttemptRecord is one immutable line in the build audit log, appended per
// validation run.
type AttemptRecord struct {
	AttemptIndex       int               `json:"attempt_index"`
	BundleSHA256       string            `json:"bundle_sha256"`
	Report             *validator.Report `json:"validation_report"`
	FailureFingerprint string            `json:"failure_fingerprint"`
	Timestamp          time.Time         `json:"timestamp"`
	ScorerVersion      string            `json:"scorer_version"`
}

// ScorerVersion tags attempt records with the fingerprint/confidence
// algorithm revision so old logs stay interpretable.
const ScorerVersion = "v1"

// auditLine is the on-disk JSONL envelope. Kind is one of attempt, install,
// reject, terminal.
type auditLine struct {
	Kind          string         `json:"kind"`
	OrgID         string         `json:"org_id"`
	CorrelationID string         `json:"correlation_id"`
	Attempt       *AttemptRecord `json:"attempt,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ModuleID      string         `json:"module_id,omitempty"`
	BundleSHA256  string         `json:"bundle_sha256,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AuditLog is the append-only JSONL build journal, one file per job_id.
// Writers coordinate per job; records are never rewritten.
type AuditLog struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAuditLog creates the audit directory if needed.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &AuditLog{dir: dir, locks: map[string]*sync.Mutex{}}, nil
}

func (a *AuditLog) jobLock(jobID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks[jobID] == nil {
		a.locks[jobID] = &sync.Mutex{}
	}
	return a.locks[jobID]
}

func (a *AuditLog) path(jobID string) string {
	return filepath.Join(a.dir, jobID+".jsonl")
}

// AppendAttempt appends one attempt record to the job's journal.
func (a *AuditLog) AppendAttempt(jobID, orgID, correlationID string, rec AttemptRecord) error {
	return a.append(jobID, auditLine{
		Kind:          "attempt",
		OrgID:         orgID,
		CorrelationID: correlationID,
		Attempt:       &rec,
		Timestamp:     rec.Timestamp,
	})
}

// AppendInstall records a successful install.
func (a *AuditLog) AppendInstall(jobID, orgID, correlationID, moduleID, bundleSHA string) error {
	return a.append(jobID, auditLine{
		Kind:          "install",
		OrgID:         orgID,
		CorrelationID: correlationID,
		ModuleID:      moduleID,
		BundleSHA256:  bundleSHA,
		Timestamp:     time.Now().UTC(),
	})
}

// AppendReject records an installer rejection with its reason code.
func (a *AuditLog) AppendReject(jobID, orgID, correlationID, moduleID, reason string) error {
	return a.append(jobID, auditLine{
		Kind:          "reject",
		OrgID:         orgID,
		CorrelationID: correlationID,
		ModuleID:      moduleID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
}

// AppendTerminal closes a job's journal with a terminal outcome marker.
func (a *AuditLog) AppendTerminal(jobID, orgID, correlationID, reason string) error {
	return a.append(jobID, auditLine{
		Kind:          "terminal",
		OrgID:         orgID,
		CorrelationID: correlationID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
}

func (a *AuditLog) append(jobID string, line auditLine) error {
	lock := a.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(a.path(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log for job %s: %w", jobID, err)
	}
	defer f.Close()

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode audit line: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit line: %w", err)
	}
	// Durable before the attempt is reported complete.
	return f.Sync()
}

// Attempts loads the attempt records for a job in append order.
func (a *AuditLog) Attempts(jobID string) ([]AttemptRecord, error) {
	lines, err := a.load(jobID)
	if err != nil {
		return nil, err
	}
	var out []AttemptRecord
	for _, line := range lines {
		if line.Kind == "attempt" && line.Attempt != nil {
			out = append(out, *line.Attempt)
		}
	}
	return out, nil
}

// load reads the whole journal; a missing file is an empty journal.
func (a *AuditLog) load(jobID string) ([]auditLine, error) {
	f, err := os.Open(a.path(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var lines []auditLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line auditLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("corrupt audit line in job %s: %w", jobID, err)
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
