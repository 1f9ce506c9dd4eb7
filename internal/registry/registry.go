// Package registry tracks installed capability modules per org: an
// in-memory index for dispatch, a durable index in the store, and a circuit
// breaker per module guarding invocation.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"evoforge/internal/contract"
	"evoforge/internal/sandbox"
	"evoforge/internal/store"
)

// Entry is one registered, active module version.
type Entry struct {
	Manifest     *contract.Manifest
	ModuleDir    string
	RegisteredAt time.Time
}

// Index is the durable side of the registry. *store.Store implements it.
type Index interface {
	SaveModule(ctx context.Context, rec store.ModuleRecord) error
	ActivateModule(ctx context.Context, orgID, moduleID, version string) error
	SetModuleStatus(ctx context.Context, orgID, moduleID, version string, status contract.ModuleStatus) error
}

type moduleKey struct {
	orgID    string
	moduleID string
}

// Registry is safe for concurrent use. Reads take snapshots; mutation holds
// the write lock only long enough to swap maps.
type Registry struct {
	mu       sync.RWMutex
	entries  map[moduleKey]Entry
	versions map[moduleKey]map[string]bool
	breakers map[moduleKey]*gobreaker.CircuitBreaker

	index  Index
	runner *sandbox.Runner
	orgID  string
	log    *zap.Logger
}

// New creates a registry scoped to one org. index may be nil for a purely
// in-memory registry; runner may be nil if modules are never invoked.
func New(orgID string, index Index, runner *sandbox.Runner, log *zap.Logger) *Registry {
	return &Registry{
		entries:  map[moduleKey]Entry{},
		versions: map[moduleKey]map[string]bool{},
		breakers: map[moduleKey]*gobreaker.CircuitBreaker{},
		index:    index,
		runner:   runner,
		orgID:    orgID,
		log:      log.Named("registry"),
	}
}

// RegisterManifest implements the installer's registrar hook: the new
// version becomes the single active version of its module. A version that
// was already registered is rejected.
func (r *Registry) RegisterManifest(manifest *contract.Manifest, moduleDir string) error {
	if manifest == nil {
		return fmt.Errorf("nil manifest")
	}
	key := moduleKey{orgID: r.orgID, moduleID: manifest.ModuleID}

	r.mu.Lock()
	if r.versions[key][manifest.Version] {
		r.mu.Unlock()
		return fmt.Errorf("module %s@%s already registered", manifest.ModuleID, manifest.Version)
	}
	if r.versions[key] == nil {
		r.versions[key] = map[string]bool{}
	}
	r.versions[key][manifest.Version] = true
	r.entries[key] = Entry{
		Manifest:     manifest,
		ModuleDir:    moduleDir,
		RegisteredAt: time.Now().UTC(),
	}
	if r.breakers[key] == nil {
		r.breakers[key] = r.newBreaker(manifest.ModuleID)
	}
	r.mu.Unlock()

	if r.index != nil {
		ctx := context.Background()
		if err := r.index.SaveModule(ctx, store.ModuleRecord{
			OrgID:     r.orgID,
			ModuleID:  manifest.ModuleID,
			Version:   manifest.Version,
			Manifest:  manifest,
			Status:    contract.StatusActive,
			ModuleDir: moduleDir,
		}); err != nil {
			return fmt.Errorf("durable index rejected module: %w", err)
		}
		if err := r.index.ActivateModule(ctx, r.orgID, manifest.ModuleID, manifest.Version); err != nil {
			return fmt.Errorf("failed to activate module in index: %w", err)
		}
	}

	r.log.Info("module registered",
		zap.String("module_id", manifest.ModuleID),
		zap.String("version", manifest.Version),
		zap.Strings("capabilities", manifest.Capabilities))
	return nil
}

// Unregister removes a module from dispatch and marks it disabled in the
// durable index. Its versions stay recorded; a later register of a new
// version still rejects reuse of old version numbers.
func (r *Registry) Unregister(moduleID string) error {
	key := moduleKey{orgID: r.orgID, moduleID: moduleID}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %s not registered", moduleID)
	}

	if r.index != nil {
		if err := r.index.SetModuleStatus(context.Background(), r.orgID, moduleID,
			entry.Manifest.Version, contract.StatusDisabled); err != nil {
			return fmt.Errorf("failed to disable module in index: %w", err)
		}
	}
	r.log.Info("module unregistered", zap.String("module_id", moduleID))
	return nil
}

// Snapshot returns the active modules sorted by module id. The slice and
// its manifests are copies; callers can hold them across registry mutation.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		manifest := *entry.Manifest
		entry.Manifest = &manifest
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ModuleID < out[j].Manifest.ModuleID
	})
	return out
}

// Lookup returns the active entry for a module id.
func (r *Registry) Lookup(moduleID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[moduleKey{orgID: r.orgID, moduleID: moduleID}]
	return entry, ok
}

func (r *Registry) breaker(moduleID string) *gobreaker.CircuitBreaker {
	key := moduleKey{orgID: r.orgID, moduleID: moduleID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakers[key] == nil {
		r.breakers[key] = r.newBreaker(moduleID)
	}
	return r.breakers[key]
}

func (r *Registry) newBreaker(moduleID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    moduleID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("module breaker state change",
				zap.String("module_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
