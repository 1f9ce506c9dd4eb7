package registry

import (
	"sort"

	"github.com/sony/gobreaker"

	"evoforge/internal/contract"
)

// Recommendation scoring weights. Tag overlap dominates; resource headroom
// breaks near-ties between functionally equivalent modules.
const (
	weightOverlap  = 0.6
	weightHeadroom = 0.4
)

// Query describes what the router is looking for.
type Query struct {
	Tags   []string
	Budget contract.ResourceHints // zero fields mean unconstrained
}

// Recommendation is one scored candidate.
type Recommendation struct {
	ModuleID string
	Score    float64
	Overlap  float64
	Headroom float64
}

// Recommend scores every module in the given snapshot against the query and
// returns candidates in descending score order, module id ascending on
// ties. Taking the snapshot as an argument pins the view: a caller can
// score several queries against one coherent registry state. Modules whose
// breaker is open score zero: they are listed last and the router treats a
// zero score as undispatchable.
func (r *Registry) Recommend(q Query, snapshot []Entry) []Recommendation {
	out := make([]Recommendation, 0, len(snapshot))

	for _, entry := range snapshot {
		rec := Recommendation{ModuleID: entry.Manifest.ModuleID}
		if r.breaker(entry.Manifest.ModuleID).State() != gobreaker.StateOpen {
			rec.Overlap = tagOverlap(q.Tags, entry.Manifest.Capabilities)
			rec.Headroom = resourceHeadroom(q.Budget, entry.Manifest.Resources)
			rec.Score = weightOverlap*rec.Overlap + weightHeadroom*rec.Headroom
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out
}

// tagOverlap is the Jaccard similarity between the query tags and the
// module's capability tags.
func tagOverlap(query, capabilities []string) float64 {
	if len(query) == 0 || len(capabilities) == 0 {
		return 0
	}
	qset := map[string]bool{}
	for _, tag := range query {
		qset[tag] = true
	}
	union := map[string]bool{}
	intersect := 0
	for tag := range qset {
		union[tag] = true
	}
	for _, tag := range capabilities {
		if qset[tag] {
			intersect++
		}
		union[tag] = true
	}
	return float64(intersect) / float64(len(union))
}

// resourceHeadroom scores how comfortably a module's declared needs fit the
// query budget: 1 when the budget is unconstrained or needs are undeclared,
// 0 when any declared need exceeds the budget.
func resourceHeadroom(budget, hints contract.ResourceHints) float64 {
	dims := 0
	total := 0.0

	if budget.MemoryMB > 0 && hints.MemoryMB > 0 {
		dims++
		if hints.MemoryMB > budget.MemoryMB {
			return 0
		}
		total += 1 - float64(hints.MemoryMB)/float64(budget.MemoryMB)
	}
	if budget.TimeoutSeconds > 0 && hints.TimeoutSeconds > 0 {
		dims++
		if hints.TimeoutSeconds > budget.TimeoutSeconds {
			return 0
		}
		total += 1 - float64(hints.TimeoutSeconds)/float64(budget.TimeoutSeconds)
	}
	if hints.NetworkEgress && !budget.NetworkEgress && (budget.MemoryMB > 0 || budget.TimeoutSeconds > 0) {
		// Needing egress under a constrained budget that does not grant it.
		return 0
	}
	if dims == 0 {
		return 1
	}
	return total / float64(dims)
}
