package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"evoforge/internal/contract"
)

// ReloadFromDisk reconciles the in-memory registry with the module tree:
// every <category>/<platform> directory with an active pointer and a valid
// manifest becomes an entry. Modules already registered at the same version
// are left alone; unknown versions on disk are adopted.
func (r *Registry) ReloadFromDisk(modulesDir string) error {
	categories, err := os.ReadDir(modulesDir)
	if err != nil {
		return fmt.Errorf("modules dir unreadable: %w", err)
	}
	for _, category := range categories {
		if !category.IsDir() || strings.HasPrefix(category.Name(), ".") {
			continue
		}
		platforms, err := os.ReadDir(filepath.Join(modulesDir, category.Name()))
		if err != nil {
			continue
		}
		for _, platform := range platforms {
			if !platform.IsDir() {
				continue
			}
			moduleRoot := filepath.Join(modulesDir, category.Name(), platform.Name())
			if err := r.adoptModule(moduleRoot); err != nil {
				r.log.Warn("skipping module during reload",
					zap.String("dir", moduleRoot), zap.Error(err))
			}
		}
	}
	return nil
}

// adoptModule loads one module root (the directory holding version dirs and
// the active pointer) into the registry if it is not already present.
func (r *Registry) adoptModule(moduleRoot string) error {
	pointer, err := os.ReadFile(filepath.Join(moduleRoot, "active"))
	if err != nil {
		return fmt.Errorf("no active pointer: %w", err)
	}
	version := strings.TrimSpace(string(pointer))
	versionDir := filepath.Join(moduleRoot, version)

	manifest, err := readModuleManifest(versionDir)
	if err != nil {
		return err
	}
	if manifest.Version != version {
		return fmt.Errorf("manifest version %s does not match active pointer %s", manifest.Version, version)
	}

	key := moduleKey{orgID: r.orgID, moduleID: manifest.ModuleID}
	r.mu.RLock()
	current, registered := r.entries[key]
	r.mu.RUnlock()
	if registered && current.Manifest.Version == version {
		return nil
	}

	manifest.Status = contract.StatusActive
	return r.RegisterManifest(manifest, versionDir)
}

// readModuleManifest finds manifest.json either nested under the module id
// or at the version dir top level, matching the installer's layout.
func readModuleManifest(versionDir string) (*contract.Manifest, error) {
	files, err := contract.ReadBundleDir(versionDir)
	if err != nil {
		return nil, fmt.Errorf("version dir unreadable: %w", err)
	}
	for _, f := range files {
		if filepath.Base(f.Path) == "manifest.json" {
			return contract.ValidateManifest(f.Content)
		}
	}
	return nil, fmt.Errorf("no manifest in %s", versionDir)
}

// Watch reloads the registry whenever the module tree changes, until ctx is
// done. Events are debounced; installs touch several paths in a burst.
func (r *Registry) Watch(ctx context.Context, modulesDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(modulesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", modulesDir, err)
	}
	// Watch one level down so new version installs under existing modules
	// are seen; fsnotify is not recursive.
	if entries, err := os.ReadDir(modulesDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(modulesDir, e.Name()))
				if subs, err := os.ReadDir(filepath.Join(modulesDir, e.Name())); err == nil {
					for _, sub := range subs {
						if sub.IsDir() {
							_ = watcher.Add(filepath.Join(modulesDir, e.Name(), sub.Name()))
						}
					}
				}
			}
		}
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := r.ReloadFromDisk(modulesDir); err != nil {
				r.log.Warn("reload after fs event failed", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("module watcher error", zap.Error(err))
		}
	}
}
