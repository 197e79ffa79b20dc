package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modellibmgr/internal/storage"
)

func setup(t *testing.T) (*Indexer, *storage.Store, string) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	ix := New(s, nil, 2)
	return ix, s, root
}

func writeFile(t *testing.T, root, relpath string, contents string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relpath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
}

func TestScanDiscoversFiles(t *testing.T) {
	ix, s, root := setup(t)
	writeFile(t, root, "a/m.bin", "hello")
	writeFile(t, root, "b.bin", "world")

	result, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesSeen)
	assert.Equal(t, 2, result.Added)

	var recs []storage.FileRecord
	require.NoError(t, s.DB.Where("side = ?", storage.SideLocal).Find(&recs).Error)
	assert.Len(t, recs, 2)
}

func TestScanTwiceIsIdempotentAndPreservesHash(t *testing.T) {
	ix, s, root := setup(t)
	writeFile(t, root, "m.bin", "content")

	_, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, s.DB.Model(&storage.FileRecord{}).
		Where("side = ? AND relpath = ?", storage.SideLocal, "m.bin").
		Updates(map[string]any{"hash": "deadbeef", "hash_computed_at": &ts}).Error)

	result, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 0, result.Removed)
	assert.Equal(t, 1, result.Unchanged)

	var rec storage.FileRecord
	require.NoError(t, s.DB.Where("side = ? AND relpath = ?", storage.SideLocal, "m.bin").First(&rec).Error)
	assert.Equal(t, "deadbeef", rec.Hash)
}

func TestScanClearsHashWhenFileChanges(t *testing.T) {
	ix, s, root := setup(t)
	writeFile(t, root, "m.bin", "content")
	_, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, s.DB.Model(&storage.FileRecord{}).
		Where("side = ? AND relpath = ?", storage.SideLocal, "m.bin").
		Updates(map[string]any{"hash": "deadbeef", "hash_computed_at": &ts}).Error)

	// Rewrite with different size so (size, mtime_ns) triple changes.
	time.Sleep(2 * time.Millisecond)
	writeFile(t, root, "m.bin", "different-content-now")

	result, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)

	var rec storage.FileRecord
	require.NoError(t, s.DB.Where("side = ? AND relpath = ?", storage.SideLocal, "m.bin").First(&rec).Error)
	assert.Equal(t, "", rec.Hash)
	assert.Nil(t, rec.HashComputedAt)
}

func TestScanRemovesDeletedFiles(t *testing.T) {
	ix, s, root := setup(t)
	writeFile(t, root, "gone.bin", "x")
	_, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.bin")))

	result, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	var count int64
	require.NoError(t, s.DB.Model(&storage.FileRecord{}).Where("side = ?", storage.SideLocal).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestFoldersListsImmediateChildrenOnly(t *testing.T) {
	ix, _, root := setup(t)
	writeFile(t, root, "a/b/c.bin", "x")
	writeFile(t, root, "a/d.bin", "y")
	writeFile(t, root, "top.bin", "z")

	_, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)

	top, err := ix.Folders(storage.SideLocal, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, top)

	sub, err := ix.Folders(storage.SideLocal, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, sub)
}

func TestSearchIsCaseInsensitiveSubstring(t *testing.T) {
	ix, _, root := setup(t)
	writeFile(t, root, "models/SDXL-base.safetensors", "x")
	writeFile(t, root, "models/other.bin", "y")

	_, err := ix.Scan(context.Background(), storage.SideLocal, root)
	require.NoError(t, err)

	hits, err := ix.Search(storage.SideLocal, "sdxl")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "models/SDXL-base.safetensors", hits[0].Relpath)
}
