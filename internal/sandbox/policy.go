// Package sandbox executes untrusted generated module code under a declared
// execution policy. Enforcement is dual-layer: a static AST pass rejects
// forbidden imports before anything runs, and the runtime interpreter is
// seeded with only the symbols the policy allows, so deferred or
// reflection-driven imports fail closed.
package sandbox

import (
	"fmt"
	"sort"
	"time"
)

// NetworkMode declares how network access is treated for a run.
type NetworkMode string

const (
	NetworkBlocked     NetworkMode = "blocked"
	NetworkAllowlisted NetworkMode = "allowlisted"
)

// NetworkPolicy declares the network rules for a run. In-process execution
// records attempts rather than enforcing; OS-level enforcement is expected
// in production.
type NetworkPolicy struct {
	Mode           NetworkMode
	AllowedDomains []string
	ConnectTimeout time.Duration
}

// ImportPolicy names the import categories a run may use. Categories expand
// to concrete package allowlists; the forbidden list applies regardless.
type ImportPolicy struct {
	Categories []string
	Extra      []string // additional explicit package paths
}

// ResourcePolicy caps a run's resource usage.
type ResourcePolicy struct {
	Timeout  time.Duration
	MemoryMB int
	MaxProcs int
}

// Policy bundles the three sub-policies under a profile name.
type Policy struct {
	Name      string
	Network   NetworkPolicy
	Imports   ImportPolicy
	Resources ResourcePolicy
}

// Import categories recognized by the policy layer.
const (
	CategoryStdlib         = "stdlib"
	CategoryHTTPClients    = "http_clients"
	CategoryTesting        = "testing"
	CategoryDataProcessing = "data_processing"
)

// categoryPackages maps each category to the packages it admits.
var categoryPackages = map[string]map[string]bool{
	CategoryStdlib: {
		"strings": true, "strconv": true, "fmt": true, "math": true,
		"regexp": true, "errors": true, "sort": true, "bytes": true,
		"time": true, "unicode": true, "unicode/utf8": true,
		"encoding/json": true, "encoding/base64": true, "encoding/csv": true,
		"path": true, "container/heap": true, "container/list": true,
	},
	CategoryHTTPClients: {
		"net/http": true, "net/url": true, "io": true, "context": true,
	},
	CategoryTesting: {
		"testing": true, "testing/quick": true,
	},
	CategoryDataProcessing: {
		"encoding/xml": true, "compress/gzip": true, "hash/fnv": true,
		"crypto/sha256": true, "math/rand": true, "text/template": true,
	},
}

// forbiddenImports are terminal in every profile: process spawning, dynamic
// code loading, raw syscalls, and filesystem-tree deletion surfaces.
var forbiddenImports = map[string]string{
	"os/exec":     "process spawning",
	"plugin":      "arbitrary module loading",
	"syscall":     "raw system calls",
	"unsafe":      "unsafe memory access",
	"runtime/cgo": "native code loading",
	"os":          "filesystem-tree access",
	"reflect":     "dynamic code evaluation",
	"net":         "raw network access",
}

// exactForbidden entries match only the package itself. Their subpackages
// are judged by the category allowlists instead: net is raw sockets, but
// net/http and net/url belong to the http_clients category.
var exactForbidden = map[string]bool{
	"net": true,
}

// Profile returns one of the recognized policy profiles.
func Profile(name string) (Policy, error) {
	switch name {
	case "default":
		return Policy{
			Name:    "default",
			Network: NetworkPolicy{Mode: NetworkBlocked},
			Imports: ImportPolicy{Categories: []string{CategoryStdlib}},
			Resources: ResourcePolicy{
				Timeout:  30 * time.Second,
				MemoryMB: 256,
				MaxProcs: 4,
			},
		}, nil
	case "module_validation":
		return Policy{
			Name:    "module_validation",
			Network: NetworkPolicy{Mode: NetworkBlocked},
			Imports: ImportPolicy{Categories: []string{
				CategoryStdlib, CategoryHTTPClients, CategoryTesting, CategoryDataProcessing,
			}},
			Resources: ResourcePolicy{
				Timeout:  30 * time.Second,
				MemoryMB: 256,
				MaxProcs: 4,
			},
		}, nil
	case "integration_test":
		return Policy{
			Name: "integration_test",
			Network: NetworkPolicy{
				Mode:           NetworkAllowlisted,
				ConnectTimeout: 5000 * time.Millisecond,
			},
			Imports: ImportPolicy{Categories: []string{
				CategoryStdlib, CategoryHTTPClients, CategoryTesting, CategoryDataProcessing,
			}},
			Resources: ResourcePolicy{
				Timeout:  30 * time.Second,
				MemoryMB: 256,
				MaxProcs: 4,
			},
		}, nil
	default:
		return Policy{}, fmt.Errorf("unknown policy profile %q", name)
	}
}

// Merge combines two policies monotonically: the more permissive scalar
// wins and allowlists are unioned. Forbidden imports are never removed;
// they are not part of the policy value at all.
func Merge(a, b Policy) Policy {
	merged := Policy{Name: a.Name + "+" + b.Name}

	merged.Network.Mode = NetworkBlocked
	if a.Network.Mode == NetworkAllowlisted || b.Network.Mode == NetworkAllowlisted {
		merged.Network.Mode = NetworkAllowlisted
	}
	merged.Network.AllowedDomains = unionSorted(a.Network.AllowedDomains, b.Network.AllowedDomains)
	merged.Network.ConnectTimeout = maxDuration(a.Network.ConnectTimeout, b.Network.ConnectTimeout)

	merged.Imports.Categories = unionSorted(a.Imports.Categories, b.Imports.Categories)
	merged.Imports.Extra = unionSorted(a.Imports.Extra, b.Imports.Extra)

	merged.Resources.Timeout = maxDuration(a.Resources.Timeout, b.Resources.Timeout)
	merged.Resources.MemoryMB = maxInt(a.Resources.MemoryMB, b.Resources.MemoryMB)
	merged.Resources.MaxProcs = maxInt(a.Resources.MaxProcs, b.Resources.MaxProcs)

	return merged
}

// AllowedPackages expands the policy's categories plus extras into the
// concrete package allowlist. Forbidden packages are excluded even when
// listed as extras.
func (p Policy) AllowedPackages() map[string]bool {
	allowed := make(map[string]bool)
	for _, cat := range p.Imports.Categories {
		for pkg := range categoryPackages[cat] {
			allowed[pkg] = true
		}
	}
	for _, pkg := range p.Imports.Extra {
		allowed[pkg] = true
	}
	for pkg := range forbiddenImports {
		delete(allowed, pkg)
	}
	return allowed
}

// ForbiddenRule returns the rule name if pkg (or a parent of it) is on the
// forbidden list.
func ForbiddenRule(pkg string) (string, bool) {
	if rule, ok := forbiddenImports[pkg]; ok {
		return rule, true
	}
	for prefix, rule := range forbiddenImports {
		if exactForbidden[prefix] {
			continue
		}
		if len(pkg) > len(prefix) && pkg[:len(prefix)] == prefix && pkg[len(prefix)] == '/' {
			return rule, true
		}
	}
	return "", false
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
