package contract

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Generator output limits. Responses beyond these are rejected before any
// file touches disk.
const (
	MaxChangedFiles = 10
	MaxTotalBytes   = 100 * 1024
)

// ErrorKind classifies why a generator response was rejected.
type ErrorKind string

const (
	ErrInvalidJSON    ErrorKind = "INVALID_JSON"
	ErrMissingField   ErrorKind = "MISSING_FIELD"
	ErrDisallowedPath ErrorKind = "DISALLOWED_PATH"
	ErrFenceDetected  ErrorKind = "FENCE_DETECTED"
	ErrSizeExceeded   ErrorKind = "SIZE_EXCEEDED"
)

// ContractError is the tagged rejection result for generator output.
type ContractError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("generator contract violation (%s): %s", e.Kind, e.Detail)
}

// ChangedFile is one file the generator wants written.
type ChangedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GeneratorResponse is the structured output the gateway requires from the
// model for build and repair stages.
type GeneratorResponse struct {
	Stage                string        `json:"stage"`
	ModuleID             string        `json:"module_id"`
	ChangedFiles         []ChangedFile `json:"changed_files"`
	Assumptions          []string      `json:"assumptions,omitempty"`
	Rationale            string        `json:"rationale,omitempty"`
	PolicyProfile        string        `json:"policy_profile"`
	ValidationReportEcho string        `json:"validation_report_echo,omitempty"`
}

// ParseGeneratorResponse decodes raw model text into a GeneratorResponse and
// validates it against allowedRoot. Models occasionally wrap JSON in a code
// fence despite instructions; that outer fence is stripped, but fences inside
// file contents remain violations.
func ParseGeneratorResponse(raw, allowedRoot string) (*GeneratorResponse, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var resp GeneratorResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return nil, &ContractError{Kind: ErrInvalidJSON, Detail: err.Error()}
	}
	if err := ValidateGeneratorResponse(&resp, allowedRoot); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateGeneratorResponse enforces the generator output contract: required
// fields present, all paths confined under allowedRoot, no code-fence
// delimiters in file contents, and file count and total size within limits.
func ValidateGeneratorResponse(resp *GeneratorResponse, allowedRoot string) error {
	if resp.Stage == "" {
		return &ContractError{Kind: ErrMissingField, Detail: "stage is required"}
	}
	if resp.ModuleID == "" {
		return &ContractError{Kind: ErrMissingField, Detail: "module_id is required"}
	}
	if resp.PolicyProfile == "" {
		return &ContractError{Kind: ErrMissingField, Detail: "policy_profile is required"}
	}
	if len(resp.ChangedFiles) == 0 {
		return &ContractError{Kind: ErrMissingField, Detail: "changed_files must not be empty"}
	}
	if len(resp.ChangedFiles) > MaxChangedFiles {
		return &ContractError{
			Kind:   ErrSizeExceeded,
			Detail: fmt.Sprintf("%d files exceeds limit of %d", len(resp.ChangedFiles), MaxChangedFiles),
		}
	}

	total := 0
	for _, f := range resp.ChangedFiles {
		if f.Path == "" {
			return &ContractError{Kind: ErrMissingField, Detail: "changed file with empty path"}
		}
		if !pathAllowed(f.Path, allowedRoot) {
			return &ContractError{Kind: ErrDisallowedPath, Detail: f.Path}
		}
		if strings.Contains(f.Content, "```") {
			return &ContractError{Kind: ErrFenceDetected, Detail: f.Path}
		}
		total += len(f.Content)
	}
	if total > MaxTotalBytes {
		return &ContractError{
			Kind:   ErrSizeExceeded,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", total, MaxTotalBytes),
		}
	}
	return nil
}

// pathAllowed confines p under root: relative, cleaned, no traversal out.
func pathAllowed(p, root string) bool {
	if path.IsAbs(p) || strings.Contains(p, "\\") {
		return false
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	if root == "" {
		return true
	}
	return cleaned == root || strings.HasPrefix(cleaned, root+"/")
}
