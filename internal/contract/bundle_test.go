package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBundle_OrderIndependent(t *testing.T) {
	forward := []File{
		{Path: "adapter.go", Content: []byte("package main")},
		{Path: "manifest.json", Content: []byte("{}")},
		{Path: "adapter_check.go", Content: []byte("package main // checks")},
	}
	reversed := []File{forward[2], forward[1], forward[0]}

	a := BuildBundle(forward)
	b := BuildBundle(reversed)

	assert.Equal(t, a.BundleSHA256, b.BundleSHA256)
	if diff := cmp.Diff(a.Entries, b.Entries); diff != "" {
		t.Errorf("entries differ (-forward +reversed):\n%s", diff)
	}
}

func TestBuildBundle_ContentSensitive(t *testing.T) {
	base := []File{{Path: "adapter.go", Content: []byte("package main")}}
	mutated := []File{{Path: "adapter.go", Content: []byte("package main\n")}}

	assert.NotEqual(t, BuildBundle(base).BundleSHA256, BuildBundle(mutated).BundleSHA256)
}

func TestBuildBundle_EntriesSortedByPath(t *testing.T) {
	bundle := BuildBundle([]File{
		{Path: "z.go", Content: []byte("z")},
		{Path: "a.go", Content: []byte("a")},
		{Path: "m/n.go", Content: []byte("n")},
	})
	require.Len(t, bundle.Entries, 3)
	assert.Equal(t, "a.go", bundle.Entries[0].Path)
	assert.Equal(t, "m/n.go", bundle.Entries[1].Path)
	assert.Equal(t, "z.go", bundle.Entries[2].Path)
}

func TestVerifyBundle(t *testing.T) {
	files := []File{{Path: "adapter.go", Content: []byte("package main")}}
	bundle := BuildBundle(files)

	assert.True(t, VerifyBundle(files, bundle.BundleSHA256))
	assert.False(t, VerifyBundle(files, "deadbeef"))
}

func TestBundleDiskRoundTrip(t *testing.T) {
	files := []File{
		{Path: "adapter.go", Content: []byte("package main\n")},
		{Path: "sub/manifest.json", Content: []byte("{\"a\":1}\n")},
	}
	original := BuildBundle(files)

	dir := t.TempDir()
	require.NoError(t, WriteBundleDir(dir, files))

	loaded, err := ReadBundleDir(dir)
	require.NoError(t, err)

	assert.Equal(t, original.BundleSHA256, BuildBundle(loaded).BundleSHA256)
}

func TestReadBundleDir_SkipsHiddenDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cache", "junk"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adapter.go"), []byte("package main"), 0644))

	files, err := ReadBundleDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "adapter.go", files[0].Path)
}
