// Package pipeline drives a generated module from natural-language intent to
// installed, attested capability: scaffold, implement, test, and bounded
// repair, with an append-only audit trail per build job.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// BuildRequest is the normalized input for one build job.
type BuildRequest struct {
	Intent        string
	Constraints   map[string]string
	PolicyProfile string
	OrgID         string
	CorrelationID string
}

// JobID derives the deterministic job identifier: a stable hash of the
// normalized intent, constraints, and policy profile. Two invocations with
// identical normalized inputs yield the same job and merge into the same
// audit log.
func JobID(req BuildRequest) string {
	h := sha256.New()
	h.Write([]byte(normalizeIntent(req.Intent)))
	h.Write([]byte{0})

	keys := make([]string, 0, len(req.Constraints))
	for k := range req.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(req.Constraints[k]))
	}
	h.Write([]byte{0})
	h.Write([]byte(req.PolicyProfile))
	h.Write([]byte{0})
	h.Write([]byte(req.OrgID))

	return hex.EncodeToString(h.Sum(nil))[:16]
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalizeIntent lowercases, trims, and collapses whitespace so cosmetic
// rephrasings of the same intent still land on the same job.
func normalizeIntent(intent string) string {
	return spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(intent)), " ")
}

// ModuleID resolves the target module id for a request: an explicit
// module_id constraint wins; otherwise it is derived as category/platform
// from constraints with a slug of the intent as fallback platform.
func ModuleID(req BuildRequest) string {
	if id, ok := req.Constraints["module_id"]; ok && id != "" {
		return id
	}
	category := req.Constraints["category"]
	if category == "" {
		category = "custom"
	}
	platform := req.Constraints["platform"]
	if platform == "" {
		platform = slugify(req.Intent)
	}
	return slugify(category) + "/" + platform
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(s), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > 32 {
		slug = slug[:32]
		slug = strings.Trim(slug, "_")
	}
	if slug == "" {
		return "module"
	}
	return slug
}
