package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

func setup(t *testing.T) (*Resolver, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, sources.New(s), "https://tunnel.example"), s
}

func TestResolveReturnsHashMappingFirst(t *testing.T) {
	r, s := setup(t)
	require.NoError(t, s.DB.Create(&storage.SourceMapping{Key: "abc123", URL: "https://civitai.com/x"}).Error)

	out, err := r.Resolve("abc123", "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindWeb, out[0].Kind)
	assert.Equal(t, "https://civitai.com/x", out[0].URL)
}

func TestResolveReturnsRelpathMappingAndStreams(t *testing.T) {
	r, s := setup(t)
	require.NoError(t, s.DB.Create(&storage.SourceMapping{
		Key: sources.RelpathKey("model.bin"), URL: "https://example.com/model.bin",
	}).Error)
	require.NoError(t, s.DB.Create(&storage.FileRecord{Side: storage.SideLocal, Relpath: "model.bin", Size: 100}).Error)
	require.NoError(t, s.DB.Create(&storage.FileRecord{Side: storage.SideLake, Relpath: "model.bin", Size: 100}).Error)

	out, err := r.Resolve("", "model.bin")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, KindWeb, out[0].Kind)
	assert.Equal(t, KindLocal, out[1].Kind)
	assert.Contains(t, out[1].URL, "side=local")
	assert.Contains(t, out[1].URL, "relpath=model.bin")
	assert.Equal(t, KindLake, out[2].Kind)
}

func TestResolveOmitsMissingCandidates(t *testing.T) {
	r, _ := setup(t)
	out, err := r.Resolve("nope", "also-nope")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolveBundleSplitsBySizeWhenBothCandidatesExist(t *testing.T) {
	r, s := setup(t)

	for i, name := range []string{"small.bin", "medium.bin", "large.bin", "huge.bin"} {
		sizes := []int64{10, 100, 1000, 10000}
		require.NoError(t, s.DB.Create(&storage.FileRecord{
			Side: storage.SideLocal, Relpath: name, Size: sizes[i], Hash: "h-" + name,
		}).Error)
		require.NoError(t, s.DB.Create(&storage.SourceMapping{Key: "h-" + name, URL: "https://cdn.example/" + name}).Error)
	}

	bundle, err := r.CreateBundle("pack-1", []BundleMember{
		{Side: storage.SideLocal, Relpath: "small.bin"},
		{Side: storage.SideLocal, Relpath: "medium.bin"},
		{Side: storage.SideLocal, Relpath: "large.bin"},
		{Side: storage.SideLocal, Relpath: "huge.bin"},
	})
	require.NoError(t, err)
	require.NotZero(t, bundle.ID)

	out, err := r.ResolveBundle("pack-1")
	require.NoError(t, err)

	byURL := map[string]Kind{}
	for _, a := range out {
		byURL[a.URL] = a.Kind
	}

	localCount, webCount := 0, 0
	for _, k := range byURL {
		if k == KindLocal {
			localCount++
		}
		if k == KindWeb {
			webCount++
		}
	}
	assert.Equal(t, 2, localCount)
	assert.Equal(t, 2, webCount)
}

func TestResolveBundleKeepsSoleCandidateWhenOnlyOneExists(t *testing.T) {
	r, s := setup(t)
	require.NoError(t, s.DB.Create(&storage.FileRecord{Side: storage.SideLake, Relpath: "only-stream.bin", Size: 5}).Error)

	bundle, err := r.CreateBundle("pack-2", []BundleMember{{Side: storage.SideLake, Relpath: "only-stream.bin"}})
	require.NoError(t, err)
	_ = bundle

	out, err := r.ResolveBundle("pack-2")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindLake, out[0].Kind)
}

func TestResolveBundleSkipsMembersNoLongerIndexed(t *testing.T) {
	r, _ := setup(t)
	_, err := r.CreateBundle("pack-3", []BundleMember{{Side: storage.SideLocal, Relpath: "gone.bin"}})
	require.NoError(t, err)

	out, err := r.ResolveBundle("pack-3")
	require.NoError(t, err)
	assert.Empty(t, out)
}
