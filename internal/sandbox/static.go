package sandbox

import (
	"fmt"
	"go/parser"
	"go/token"
	"strings"
)

// Layer identifies which enforcement layer caught a violation.
type Layer string

const (
	LayerStatic  Layer = "static"
	LayerRuntime Layer = "runtime"
)

// ImportViolation is one rejected import, with the layer that caught it and
// the line number when the static layer found it.
type ImportViolation struct {
	Module string `json:"module"`
	Layer  Layer  `json:"layer"`
	Line   int    `json:"line,omitempty"`
	Rule   string `json:"rule"`
}

// ImportRef is one import found by the static scan.
type ImportRef struct {
	File string
	Path string
	Line int
}

// ScanImports parses every source file and collects its import targets with
// line numbers. A parse failure is an error; it means the code cannot be
// admitted to the runtime layer at all.
func ScanImports(files map[string]string) ([]ImportRef, error) {
	var refs []ImportRef
	for name, src := range files {
		if !strings.HasSuffix(name, ".go") {
			continue
		}
		fset := token.NewFileSet()
		parsed, err := parser.ParseFile(fset, name, src, parser.ImportsOnly)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for _, imp := range parsed.Imports {
			refs = append(refs, ImportRef{
				File: name,
				Path: strings.Trim(imp.Path.Value, `"`),
				Line: fset.Position(imp.Pos()).Line,
			})
		}
	}
	return refs, nil
}

// CheckStatic runs the static enforcement layer: every import target must be
// inside the policy's allowed set, and forbidden imports are violations no
// matter what the profile says.
func CheckStatic(files map[string]string, policy Policy) ([]ImportViolation, error) {
	refs, err := ScanImports(files)
	if err != nil {
		return nil, err
	}
	allowed := policy.AllowedPackages()

	var violations []ImportViolation
	for _, ref := range refs {
		if rule, forbidden := ForbiddenRule(ref.Path); forbidden {
			violations = append(violations, ImportViolation{
				Module: ref.Path,
				Layer:  LayerStatic,
				Line:   ref.Line,
				Rule:   rule,
			})
			continue
		}
		if !allowed[ref.Path] {
			violations = append(violations, ImportViolation{
				Module: ref.Path,
				Layer:  LayerStatic,
				Line:   ref.Line,
				Rule:   "outside allowed import categories",
			})
		}
	}
	return violations, nil
}
