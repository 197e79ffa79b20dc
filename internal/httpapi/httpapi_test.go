package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modellibmgr/internal/admission"
	"modellibmgr/internal/assets"
	"modellibmgr/internal/bus"
	"modellibmgr/internal/config"
	"modellibmgr/internal/dedupe"
	"modellibmgr/internal/downloader"
	"modellibmgr/internal/indexer"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/remote"
	"modellibmgr/internal/security"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/stats"
	"modellibmgr/internal/storage"
	"modellibmgr/internal/streamer"
	"modellibmgr/internal/worker"
)

func testServer(t *testing.T) (*Server, *storage.Store, worker.StaticRoots) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	localRoot := t.TempDir()
	lakeRoot := t.TempDir()
	roots := worker.StaticRoots{storage.SideLocal: localRoot, storage.SideLake: lakeRoot}
	rootMap := map[storage.Side]string{storage.SideLocal: localRoot, storage.SideLake: lakeRoot}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	ix := indexer.New(s, log, 2)
	srcs := sources.New(s)
	q := queue.New(s)
	dd := dedupe.New(s, roots)
	dl := downloader.New(s, b, srcs, q, rootMap, log, downloader.Config{})
	broker := remote.New(time.Hour)
	resolver := assets.New(s, srcs, "http://localhost:4500")
	strm := streamer.New(roots)
	st := stats.New(s, rootMap)
	adm := admission.New("tunnel.example.com")
	audit := security.NewAuditLogger(log, b)
	t.Cleanup(audit.Close)
	settings := config.NewSettingsManager(s, config.DefaultConfig())

	srv := New(Deps{
		Store: s, Bus: b, Indexer: ix, Sources: srcs, Queue: q, Dedupe: dd,
		Downloads: dl, Broker: broker, Resolver: resolver, Streamer: strm,
		Stats: st, Admission: adm, Audit: audit, Settings: settings, Roots: roots, Log: log,
	})
	return srv, s, roots
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Host = "localhost"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestIndexRefreshThenFilesAndStats(t *testing.T) {
	srv, _, roots := testServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(roots.Root(storage.SideLocal), "model.safetensors"), []byte("hello"), 0644))

	rec := doJSON(t, srv, http.MethodPost, "/api/index/refresh", refreshRequest{Side: "local"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/index/files?side=local", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filesResp map[string][]storage.FileRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filesResp))
	require.Len(t, filesResp["files"], 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/index/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary stats.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.EqualValues(t, 1, summary.Local.FileCount)
}

func TestQueueCopyThenList(t *testing.T) {
	srv, s, _ := testServer(t)
	require.NoError(t, s.DB.Create(&storage.FileRecord{
		Side: storage.SideLocal, Relpath: "a.bin", Size: 10, IndexedAt: time.Now(),
	}).Error)

	rec := doJSON(t, srv, http.MethodPost, "/api/queue/copy", copyRequest{
		SrcSide: storage.SideLocal, SrcRelpath: "a.bin", DstSide: storage.SideLake, DstRelpath: "a.bin", Size: 10,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/queue/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string][]storage.QueueTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp["tasks"], 1)
}

func TestSourceMappingCRUDByHash(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/api/index/sources/abc123", sourcePutRequest{URL: "https://example.com/f.bin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/index/sources/abc123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m storage.SourceMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, "https://example.com/f.bin", m.URL)

	rec = doJSON(t, srv, http.MethodDelete, "/api/index/sources/abc123", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/index/sources/abc123", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDedupeResultsReturns404ForUnknownScan(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/dedupe/results/missing-scan", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoteSessionLifecycleAndAuth(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/remote/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status["active"])

	rec = doJSON(t, srv, http.MethodPost, "/api/remote/session/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var enabled map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enabled))
	key := enabled["session_key"]
	require.NotEmpty(t, key)

	// tasks (list) is UI-facing and needs no bearer.
	req := httptest.NewRequest(http.MethodGet, "/api/remote/tasks", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	// tasks/next is agent-facing and requires the session bearer.
	req = httptest.NewRequest(http.MethodGet, "/api/remote/tasks/next", nil)
	rec2 = httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusUnauthorized, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/remote/tasks/next", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec2 = httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestRemoteTaskCancelIsUnauthenticated(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/remote/session/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/remote/tasks/enqueue", remoteEnqueueRequest{
		Type:  remote.TaskTypeDownloadURLs,
		Items: []remote.Item{{"url": "https://example.com/a.bin"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var task remote.RemoteTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))

	req := httptest.NewRequest(http.MethodPost, "/api/remote/tasks/"+task.ID+"/cancel", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestAdmissionFilterBlocksExternalHostFromNonRemotePaths(t *testing.T) {
	srv, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/index/stats", nil)
	req.Host = "tunnel.example.com"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmissionFilterAllowsExternalHostOnRemotePaths(t *testing.T) {
	srv, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/remote/status", nil)
	req.Host = "tunnel.example.com"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDownloaderCreateAndList(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/downloader/jobs", downloaderCreateRequest{
		URL: "https://example.com/model.safetensors", Filename: "model.safetensors",
		Side: storage.SideLocal, Relpath: "checkpoints",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/downloader/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string][]storage.DownloadJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp["jobs"], 1)
}
