package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// ManifestSchemaVersion is the current manifest schema identifier. Manifests
// declaring a different version are rejected outright.
const ManifestSchemaVersion = "evoforge/manifest/v1"

// ModuleStatus is the lifecycle state of a registered module.
type ModuleStatus string

const (
	StatusActive   ModuleStatus = "active"
	StatusDisabled ModuleStatus = "disabled"
	StatusFailed   ModuleStatus = "failed"
	StatusPending  ModuleStatus = "pending"
)

// ResourceHints advertises what a module needs at dispatch time. The router
// uses these to compute resource headroom.
type ResourceHints struct {
	MemoryMB       int  `json:"memory_mb,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	NetworkEgress  bool `json:"network_egress,omitempty"`
}

// Manifest describes a registered capability module. Field order is part of
// the on-disk contract: EncodeManifest serializes in declaration order so
// hashing is deterministic.
type Manifest struct {
	SchemaVersion       string        `json:"schema_version" validate:"required,eq=evoforge/manifest/v1"`
	ModuleID            string        `json:"module_id" validate:"required,module_id"`
	Version             string        `json:"version" validate:"required,semver"`
	Capabilities        []string      `json:"capabilities" validate:"required,min=1,dive,min=1"`
	RequiredCredentials []string      `json:"required_credentials,omitempty"`
	Resources           ResourceHints `json:"resources,omitempty"`
	Status              ModuleStatus  `json:"status" validate:"required,oneof=active disabled failed pending"`
	OrgID               string        `json:"org_id" validate:"required"`
}

// module_id is "category/platform", each segment lowercase [a-z0-9_-]+.
var moduleIDPattern = regexp.MustCompile(`^[a-z0-9_-]+/[a-z0-9_-]+$`)

var manifestValidator = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Plain regexp check; validator's builtin tags don't cover the two-segment form.
	_ = v.RegisterValidation("module_id", func(fl validator.FieldLevel) bool {
		return moduleIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateManifest strictly decodes raw JSON into a Manifest. Unknown
// top-level keys are errors, as are any schema-tag violations.
func ValidateManifest(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest decode failed: %w", err)
	}
	// Trailing garbage after the object is also a schema error.
	if dec.More() {
		return nil, fmt.Errorf("manifest contains trailing data")
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest schema invalid: %w", err)
	}
	return &m, nil
}

// EncodeManifest serializes a manifest canonically: stable field order,
// two-space indent, UTF-8, trailing newline. The installer writes manifests
// with this encoding so recomputed bundle hashes are stable.
func EncodeManifest(m *Manifest) ([]byte, error) {
	if err := manifestValidator.Struct(m); err != nil {
		return nil, fmt.Errorf("manifest schema invalid: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest encode failed: %w", err)
	}
	return append(data, '\n'), nil
}
