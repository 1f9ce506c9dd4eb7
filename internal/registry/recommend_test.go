package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evoforge/internal/contract"
)

func registerWith(t *testing.T, r *Registry, moduleID string, capabilities []string, hints contract.ResourceHints) {
	t.Helper()
	m := newManifest(moduleID, "1.0.0", capabilities...)
	m.Resources = hints
	require.NoError(t, r.RegisterManifest(m, "/"+moduleID))
}

func TestRecommendOrdersByOverlap(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "finance/tracker", []string{"rest_api", "data_processing"}, contract.ResourceHints{})
	registerWith(t, r, "text/upper", []string{"data_processing"}, contract.ResourceHints{})
	registerWith(t, r, "charts/render", []string{"charting"}, contract.ResourceHints{})

	recs := r.Recommend(Query{Tags: []string{"rest_api", "data_processing"}}, r.Snapshot())
	require.Len(t, recs, 3)
	assert.Equal(t, "finance/tracker", recs[0].ModuleID)
	assert.Equal(t, "text/upper", recs[1].ModuleID)
	assert.Equal(t, "charts/render", recs[2].ModuleID)
	assert.Equal(t, 1.0, recs[0].Overlap)
	assert.Equal(t, 0.0, recs[2].Overlap)
}

func TestRecommendHeadroomBreaksTies(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "a/light", []string{"data_processing"}, contract.ResourceHints{MemoryMB: 64})
	registerWith(t, r, "b/heavy", []string{"data_processing"}, contract.ResourceHints{MemoryMB: 512})

	recs := r.Recommend(Query{
		Tags:   []string{"data_processing"},
		Budget: contract.ResourceHints{MemoryMB: 1024},
	}, r.Snapshot())
	require.Len(t, recs, 2)
	assert.Equal(t, "a/light", recs[0].ModuleID)
	assert.Greater(t, recs[0].Headroom, recs[1].Headroom)
}

func TestRecommendOverBudgetScoresZeroHeadroom(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "b/heavy", []string{"data_processing"}, contract.ResourceHints{MemoryMB: 2048})

	recs := r.Recommend(Query{
		Tags:   []string{"data_processing"},
		Budget: contract.ResourceHints{MemoryMB: 256},
	}, r.Snapshot())
	require.Len(t, recs, 1)
	assert.Equal(t, 0.0, recs[0].Headroom)
}

func TestRecommendStableTieBreakByModuleID(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "b/second", []string{"data_processing"}, contract.ResourceHints{})
	registerWith(t, r, "a/first", []string{"data_processing"}, contract.ResourceHints{})

	for i := 0; i < 5; i++ {
		recs := r.Recommend(Query{Tags: []string{"data_processing"}}, r.Snapshot())
		require.Len(t, recs, 2)
		assert.Equal(t, "a/first", recs[0].ModuleID)
		assert.Equal(t, "b/second", recs[1].ModuleID)
	}
}

func TestRecommendOpenBreakerScoresZero(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "text/upper", []string{"data_processing"}, contract.ResourceHints{})
	registerWith(t, r, "text/broken", []string{"data_processing"}, contract.ResourceHints{})

	// Trip the breaker directly.
	breaker := r.breaker("text/broken")
	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (any, error) {
			return nil, errors.New("boom")
		})
	}

	recs := r.Recommend(Query{Tags: []string{"data_processing"}}, r.Snapshot())
	require.Len(t, recs, 2)
	assert.Equal(t, "text/upper", recs[0].ModuleID)
	assert.Greater(t, recs[0].Score, 0.0)
	assert.Equal(t, "text/broken", recs[1].ModuleID)
	assert.Equal(t, 0.0, recs[1].Score)
}

func TestRecommendScoresAgainstPinnedSnapshot(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "text/upper", []string{"data_processing"}, contract.ResourceHints{})

	snapshot := r.Snapshot()
	registerWith(t, r, "text/later", []string{"data_processing"}, contract.ResourceHints{})

	// Both queries score the view captured before the second registration.
	first := r.Recommend(Query{Tags: []string{"data_processing"}}, snapshot)
	second := r.Recommend(Query{Tags: []string{"rest_api"}}, snapshot)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "text/upper", first[0].ModuleID)
	assert.Equal(t, "text/upper", second[0].ModuleID)
}

func TestRecommendEmptyQueryTags(t *testing.T) {
	r := New("org-1", nil, nil, zap.NewNop())
	registerWith(t, r, "text/upper", []string{"data_processing"}, contract.ResourceHints{})

	recs := r.Recommend(Query{}, r.Snapshot())
	require.Len(t, recs, 1)
	assert.Equal(t, 0.0, recs[0].Overlap)
	// Unconstrained budget still gives full headroom.
	assert.Equal(t, 1.0, recs[0].Headroom)
}
