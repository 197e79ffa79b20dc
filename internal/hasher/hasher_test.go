package hasher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modellibmgr/internal/storage"
)

func writeTempFile(t *testing.T, contents []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(p, contents, 0644))
	return p
}

func TestHashFullIsDeterministic(t *testing.T) {
	p := writeTempFile(t, []byte("hello world"))
	a, err := HashPath(p, ModeFull)
	require.NoError(t, err)
	b, err := HashPath(p, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, IsFast(a))
}

func TestHashFastSmallFileEqualsFullWithPrefix(t *testing.T) {
	p := writeTempFile(t, []byte("small file contents"))
	full, err := HashPath(p, ModeFull)
	require.NoError(t, err)
	fast, err := HashPath(p, ModeFast)
	require.NoError(t, err)
	assert.True(t, IsFast(fast))
	assert.Equal(t, FastPrefix+full, fast)
}

func TestHashFastLargeFileDiffersFromFull(t *testing.T) {
	data := make([]byte, 2*FastHeadTailSize+1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := writeTempFile(t, data)

	full, err := HashPath(p, ModeFull)
	require.NoError(t, err)
	fast, err := HashPath(p, ModeFast)
	require.NoError(t, err)

	assert.True(t, IsFast(fast))
	assert.NotEqual(t, full, strings_TrimFastPrefix(fast))
}

func strings_TrimFastPrefix(s string) string {
	if IsFast(s) {
		return s[len(FastPrefix):]
	}
	return s
}

func TestGetCacheRespectsModeSatisfaction(t *testing.T) {
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	p := writeTempFile(t, []byte("cache me"))
	h := New(s, 2)

	rec := &storage.FileRecord{Side: storage.SideLocal, Relpath: "f.bin", Size: 8, MtimeNs: 1, IndexedAt: time.Now()}
	require.NoError(t, s.DB.Create(rec).Error)

	fast, err := h.Get(p, rec, ModeFast)
	require.NoError(t, err)
	assert.True(t, IsFast(fast))

	// A full request must not be satisfied by a cached fast: digest.
	full, err := h.Get(p, rec, ModeFull)
	require.NoError(t, err)
	assert.False(t, IsFast(full))

	// Now a fast request is satisfied by the cached full digest.
	again, err := h.Get(p, rec, ModeFast)
	require.NoError(t, err)
	assert.Equal(t, full, again)
}
