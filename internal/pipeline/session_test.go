package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobIDStableUnderRephrasing(t *testing.T) {
	a := BuildRequest{
		Intent:        "Track my SPY position",
		Constraints:   map[string]string{"category": "finance"},
		PolicyProfile: "default",
		OrgID:         "org-1",
	}
	b := BuildRequest{
		Intent:        "  track my   spy position ",
		Constraints:   map[string]string{"category": "finance"},
		PolicyProfile: "default",
		OrgID:         "org-1",
	}
	assert.Equal(t, JobID(a), JobID(b))
	assert.Len(t, JobID(a), 16)
}

func TestJobIDSensitivity(t *testing.T) {
	base := BuildRequest{
		Intent:        "track my spy position",
		Constraints:   map[string]string{"category": "finance"},
		PolicyProfile: "default",
		OrgID:         "org-1",
	}

	variants := []BuildRequest{
		{Intent: "track my qqq position", Constraints: base.Constraints, PolicyProfile: "default", OrgID: "org-1"},
		{Intent: base.Intent, Constraints: map[string]string{"category": "weather"}, PolicyProfile: "default", OrgID: "org-1"},
		{Intent: base.Intent, Constraints: base.Constraints, PolicyProfile: "module_validation", OrgID: "org-1"},
		{Intent: base.Intent, Constraints: base.Constraints, PolicyProfile: "default", OrgID: "org-2"},
	}
	for i, v := range variants {
		assert.NotEqual(t, JobID(base), JobID(v), "variant %d should change the job id", i)
	}
}

func TestJobIDConstraintOrderIrrelevant(t *testing.T) {
	a := BuildRequest{Intent: "x", Constraints: map[string]string{"a": "1", "b": "2"}}
	b := BuildRequest{Intent: "x", Constraints: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, JobID(a), JobID(b))
}

func TestModuleID(t *testing.T) {
	tests := []struct {
		name string
		req  BuildRequest
		want string
	}{
		{
			name: "explicit constraint wins",
			req:  BuildRequest{Intent: "whatever", Constraints: map[string]string{"module_id": "finance/alpaca"}},
			want: "finance/alpaca",
		},
		{
			name: "category and platform",
			req:  BuildRequest{Intent: "track stocks", Constraints: map[string]string{"category": "Finance", "platform": "alpaca"}},
			want: "finance/alpaca",
		},
		{
			name: "intent slug fallback",
			req:  BuildRequest{Intent: "Track My Stocks!"},
			want: "custom/track_my_stocks",
		},
		{
			name: "empty intent",
			req:  BuildRequest{},
			want: "custom/module",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModuleID(tt.req))
		})
	}
}
