package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResponse() *GeneratorResponse {
	return &GeneratorResponse{
		Stage:         "implement",
		ModuleID:      "weather/openmeteo",
		PolicyProfile: "module_validation",
		ChangedFiles: []ChangedFile{
			{Path: "weather/openmeteo/adapter.go", Content: "package main"},
		},
	}
}

func TestValidateGeneratorResponse_OK(t *testing.T) {
	assert.NoError(t, ValidateGeneratorResponse(validResponse(), "weather/openmeteo"))
}

func TestValidateGeneratorResponse_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GeneratorResponse)
		kind   ErrorKind
	}{
		{"missing stage", func(r *GeneratorResponse) { r.Stage = "" }, ErrMissingField},
		{"missing module id", func(r *GeneratorResponse) { r.ModuleID = "" }, ErrMissingField},
		{"missing policy profile", func(r *GeneratorResponse) { r.PolicyProfile = "" }, ErrMissingField},
		{"no files", func(r *GeneratorResponse) { r.ChangedFiles = nil }, ErrMissingField},
		{"path traversal", func(r *GeneratorResponse) {
			r.ChangedFiles[0].Path = "../../etc/passwd"
		}, ErrDisallowedPath},
		{"absolute path", func(r *GeneratorResponse) {
			r.ChangedFiles[0].Path = "/tmp/out.go"
		}, ErrDisallowedPath},
		{"outside module root", func(r *GeneratorResponse) {
			r.ChangedFiles[0].Path = "finance/other/adapter.go"
		}, ErrDisallowedPath},
		{"code fence in content", func(r *GeneratorResponse) {
			r.ChangedFiles[0].Content = "```go\npackage main\n```"
		}, ErrFenceDetected},
		{"too many files", func(r *GeneratorResponse) {
			r.ChangedFiles = nil
			for i := 0; i < MaxChangedFiles+1; i++ {
				r.ChangedFiles = append(r.ChangedFiles, ChangedFile{
					Path:    "weather/openmeteo/f" + strings.Repeat("a", i+1) + ".go",
					Content: "package main",
				})
			}
		}, ErrSizeExceeded},
		{"total size over budget", func(r *GeneratorResponse) {
			r.ChangedFiles[0].Content = strings.Repeat("x", MaxTotalBytes+1)
		}, ErrSizeExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := validResponse()
			tt.mutate(resp)
			err := ValidateGeneratorResponse(resp, "weather/openmeteo")
			require.Error(t, err)
			var cerr *ContractError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.kind, cerr.Kind)
		})
	}
}

func TestValidateGeneratorResponse_BoundaryFileCount(t *testing.T) {
	// Exactly 10 files passes; 11 rejects.
	resp := validResponse()
	resp.ChangedFiles = nil
	for i := 0; i < MaxChangedFiles; i++ {
		resp.ChangedFiles = append(resp.ChangedFiles, ChangedFile{
			Path:    "weather/openmeteo/f" + strings.Repeat("a", i+1) + ".go",
			Content: "package main",
		})
	}
	assert.NoError(t, ValidateGeneratorResponse(resp, "weather/openmeteo"))

	resp.ChangedFiles = append(resp.ChangedFiles, ChangedFile{
		Path: "weather/openmeteo/extra.go", Content: "package main",
	})
	err := ValidateGeneratorResponse(resp, "weather/openmeteo")
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrSizeExceeded, cerr.Kind)
}

func TestParseGeneratorResponse_InvalidJSON(t *testing.T) {
	_, err := ParseGeneratorResponse("not json at all", "weather/openmeteo")
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrInvalidJSON, cerr.Kind)
}

func TestParseGeneratorResponse_StripsOuterFence(t *testing.T) {
	raw := "```json\n{\"stage\":\"implement\",\"module_id\":\"weather/openmeteo\"," +
		"\"policy_profile\":\"default\",\"changed_files\":[{\"path\":\"weather/openmeteo/adapter.go\",\"content\":\"package main\"}]}\n```"
	resp, err := ParseGeneratorResponse(raw, "weather/openmeteo")
	require.NoError(t, err)
	assert.Equal(t, "implement", resp.Stage)
}
