package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"evoforge/internal/contract"
)

// Scaffold is template-driven: a deterministic skeleton (manifest stub,
// adapter stub, check stub) that always satisfies the module contract
// symbols. The implement stage fills in behavior through the gateway.

const adapterTemplate = `package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Describe reports what this module does and which capability tags it
// advertises.
func Describe(input string) (string, error) {
	desc := map[string]any{
		"module_id":    %q,
		"capabilities": []string{%s},
		"intent":       %q,
	}
	out, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Invoke handles one request. The scaffold echoes its input; the implement
// stage replaces this body.
func Invoke(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", errors.New("empty input")
	}
	return fmt.Sprintf("{\"echo\":%%q}", input), nil
}
`

const checkTemplate = `package main

import "encoding/json"

type checkFailure struct {
	Name    string ` + "`json:\"name\"`" + `
	Message string ` + "`json:\"message\"`" + `
}

type checkSummary struct {
	Tests    int            ` + "`json:\"tests\"`" + `
	Passed   int            ` + "`json:\"passed\"`" + `
	Failed   int            ` + "`json:\"failed\"`" + `
	Errored  int            ` + "`json:\"errored\"`" + `
	Failures []checkFailure ` + "`json:\"failures,omitempty\"`" + `
}

// RunChecks exercises the adapter contract and emits a structured report.
func RunChecks(input string) (string, error) {
	summary := checkSummary{}
	record := func(name string, err error) {
		summary.Tests++
		if err == nil {
			summary.Passed++
			return
		}
		summary.Failed++
		summary.Failures = append(summary.Failures, checkFailure{Name: name, Message: err.Error()})
	}

	_, describeErr := Describe("")
	record("describe_returns", describeErr)

	_, invokeErr := Invoke("probe")
	record("invoke_accepts_input", invokeErr)

	out, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`

// ScaffoldModule produces the initial file set for a module. Paths are
// rooted at moduleID so the generator path allowlist covers them.
func ScaffoldModule(req BuildRequest, moduleID string) ([]contract.File, error) {
	capabilities := capabilitiesFor(req)
	manifest := &contract.Manifest{
		SchemaVersion: contract.ManifestSchemaVersion,
		ModuleID:      moduleID,
		Version:       "1.0.0",
		Capabilities:  capabilities,
		Status:        contract.StatusPending,
		OrgID:         req.OrgID,
	}
	manifestJSON, err := contract.EncodeManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("scaffold manifest invalid: %w", err)
	}

	quoted := make([]string, len(capabilities))
	for i, c := range capabilities {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	adapter := fmt.Sprintf(adapterTemplate, moduleID, strings.Join(quoted, ", "), req.Intent)

	return []contract.File{
		{Path: moduleID + "/adapter.go", Content: []byte(adapter)},
		{Path: moduleID + "/adapter_check.go", Content: []byte(checkTemplate)},
		{Path: moduleID + "/manifest.json", Content: manifestJSON},
	}, nil
}

// capabilitiesFor derives capability tags from the request constraints with
// a keyword fallback over the intent.
func capabilitiesFor(req BuildRequest) []string {
	if raw, ok := req.Constraints["capabilities"]; ok && raw != "" {
		tags := strings.Split(raw, ",")
		for i := range tags {
			tags[i] = strings.TrimSpace(tags[i])
		}
		return tags
	}
	intent := strings.ToLower(req.Intent)
	var tags []string
	for keyword, tag := range map[string]string{
		"api":      "rest_api",
		"track":    "data_processing",
		"chart":    "charting",
		"weather":  "rest_api",
		"calendar": "calendar",
	} {
		if strings.Contains(intent, keyword) {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		tags = []string{"data_processing"}
	}
	// Stable order for deterministic manifests.
	sort.Strings(tags)
	return tags
}
