package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"evoforge/internal/validator"
)

// Stage names the pipeline phases.
type Stage string

const (
	StageScaffold  Stage = "scaffold"
	StageImplement Stage = "implement"
	StageTest      Stage = "test"
	StageRepair    Stage = "repair"
)

// Role artifacts for prompt composition. Loaded once and cached; in a
// deployed system these come from versioned prompt files, so the access
// path goes through loadRole.
var roleArtifacts = map[Stage]string{
	StageImplement: `You are a module implementer for the evoforge platform.
You write small, self-contained Go adapter modules that run in a restricted
interpreter. Only the packages in the declared import allowlist are
available. Never spawn processes, never touch the filesystem, never open
sockets directly.`,
	StageRepair: `You are a module repairer for the evoforge platform.
You receive a failing module and targeted fix hints from its validation
report. Apply the smallest change that addresses every hint. Never remove
the check harness and never widen imports beyond the allowlist.`,
}

var (
	roleCache   = map[Stage]string{}
	roleCacheMu sync.Mutex
)

func loadRole(stage Stage) string {
	roleCacheMu.Lock()
	defer roleCacheMu.Unlock()
	if cached, ok := roleCache[stage]; ok {
		return cached
	}
	role := roleArtifacts[stage]
	roleCache[stage] = role
	return role
}

// StageContext carries everything a stage prompt needs. Composition is pure:
// same context, same prompt.
type StageContext struct {
	Stage          Stage
	AttemptIndex   int
	Intent         string
	Constraints    map[string]string
	PriorDigest    string // digest of the previous bundle
	RepairHints    []validator.FixHint
	PolicyProfile  string
	ManifestJSON   string
	AllowedImports []string
	ModuleID       string
}

// outputSchema describes the required GeneratorResponse shape in the prompt.
const outputSchema = `Respond with a single JSON object, no code fences, shaped exactly as:
{
  "stage": "<stage>",
  "module_id": "<category/platform>",
  "changed_files": [{"path": "<module_id>/<file>", "content": "<full file content>"}],
  "assumptions": ["..."],
  "rationale": "...",
  "policy_profile": "<profile>",
  "validation_report_echo": "<only for repair>"
}
At most 10 files, 100KB total. Paths must stay under the module root.
File contents must not contain triple-backtick fences.`

// ComposePrompt builds the system and user prompts for a stage call:
// role artifact, stage context, then the required output schema.
func ComposePrompt(sc StageContext) (system, user string) {
	system = loadRole(sc.Stage)

	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s (attempt %d)\n", sc.Stage, sc.AttemptIndex)
	fmt.Fprintf(&b, "Module: %s\n", sc.ModuleID)
	fmt.Fprintf(&b, "Intent: %s\n", sc.Intent)
	fmt.Fprintf(&b, "Policy profile: %s\n", sc.PolicyProfile)

	if len(sc.Constraints) > 0 {
		keys := make([]string, 0, len(sc.Constraints))
		for k := range sc.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Constraints:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, sc.Constraints[k])
		}
	}

	if len(sc.AllowedImports) > 0 {
		fmt.Fprintf(&b, "Allowed imports: %s\n", strings.Join(sc.AllowedImports, ", "))
	}
	if sc.PriorDigest != "" {
		fmt.Fprintf(&b, "Prior bundle digest: %s\n", sc.PriorDigest)
	}
	if sc.ManifestJSON != "" {
		fmt.Fprintf(&b, "Current manifest:\n%s\n", sc.ManifestJSON)
	}

	if len(sc.RepairHints) > 0 {
		b.WriteString("Fix hints (address every one):\n")
		for _, hint := range sc.RepairHints {
			fmt.Fprintf(&b, "  - [%s] %s", hint.Category, hint.Suggestion)
			if hint.Location != "" {
				fmt.Fprintf(&b, " (at %s)", hint.Location)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(outputSchema)
	return system, b.String()
}
