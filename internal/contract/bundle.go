// Package contract defines the exact shapes exchanged between the
// self-evolution pipeline, the provider gateway, and the module installer:
// generator output, module manifests, run-result envelopes, and
// content-addressed artifact bundles.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is a single in-memory file destined for a bundle.
type File struct {
	Path    string
	Content []byte
}

// BundleEntry describes one file inside an ArtifactBundle.
type BundleEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ArtifactBundle is a deterministic, content-addressed set of files.
// Identity is the SHA-256 of the canonical sorted concatenation of
// per-file hashes; input ordering never affects the result.
type ArtifactBundle struct {
	Entries      []BundleEntry `json:"entries"`
	BundleSHA256 string        `json:"bundle_sha256"`
}

// BuildBundle hashes each file, sorts entries by path, and computes the
// bundle hash over "(path:hexhash\n)*". Identical file sets produce
// identical bundle hashes regardless of input order.
func BuildBundle(files []File) ArtifactBundle {
	entries := make([]BundleEntry, 0, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.Content)
		entries = append(entries, BundleEntry{
			Path:   f.Path,
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(f.Content)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	var canon strings.Builder
	for _, e := range entries {
		canon.WriteString(e.Path)
		canon.WriteString(":")
		canon.WriteString(e.SHA256)
		canon.WriteString("\n")
	}
	bundleSum := sha256.Sum256([]byte(canon.String()))

	return ArtifactBundle{
		Entries:      entries,
		BundleSHA256: hex.EncodeToString(bundleSum[:]),
	}
}

// VerifyBundle recomputes the bundle hash for files and compares it to
// expected.
func VerifyBundle(files []File, expected string) bool {
	return BuildBundle(files).BundleSHA256 == expected
}

// ReadBundleDir loads every regular file under dir (paths relative to dir,
// forward slashes) so the caller can recompute a bundle from disk. Hidden
// directories are skipped; the on-disk layout must match the bundle paths
// exactly for verification to pass.
func ReadBundleDir(dir string) ([]File, error) {
	var files []File
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Content: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// WriteBundleDir materializes files under dir, creating parent directories
// as needed. Used by the pipeline to stage a bundle before validation.
func WriteBundleDir(dir string, files []File) error {
	for _, f := range files {
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dest, f.Content, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}
