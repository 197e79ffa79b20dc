package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modellibmgr/internal/bus"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

func testManager(t *testing.T, cfg Config) (*Manager, *storage.Store, string) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	b := bus.New(nil)
	srcs := sources.New(s)
	q := queue.New(s)
	roots := map[storage.Side]string{storage.SideLake: root}

	return New(s, b, srcs, q, roots, nil, cfg), s, root
}

func waitForStatus(t *testing.T, s *storage.Store, jobID string, want storage.TaskStatus, timeout time.Duration) storage.DownloadJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var job storage.DownloadJob
	for time.Now().Before(deadline) {
		require.NoError(t, s.DB.Where("job_id = ?", jobID).First(&job).Error)
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s, last status %s", jobID, want, job.Status)
	return job
}

func TestDownloadJobCompletesFullBody(t *testing.T) {
	body := strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 2 * time.Second})
	dest := filepath.Join(root, "out.bin")
	_, err := m.Enqueue("job-1", srv.URL, "out.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	job := waitForStatus(t, s, "job-1", storage.StatusCompleted, 4*time.Second)
	assert.Equal(t, int64(len(body)), job.BytesDownloaded)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadJobResumesFromPartialTempFile(t *testing.T) {
	full := strings.Repeat("y", 2000) + strings.Repeat("z", 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(full)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(full))
			return
		}
		var offset int
		_, err := fmt.Sscanf(rangeHdr, "bytes=%d-", &offset)
		require.NoError(t, err)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(full[offset:]))
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 2 * time.Second})
	dest := filepath.Join(root, "resume.bin")
	require.NoError(t, os.WriteFile(dest+".part", []byte(full[:2000]), 0644))
	_, err := m.Enqueue("job-2", srv.URL, "resume.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	waitForStatus(t, s, "job-2", storage.StatusCompleted, 4*time.Second)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadJobFailsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 2 * time.Second})
	dest := filepath.Join(root, "missing.bin")
	_, err := m.Enqueue("job-3", srv.URL, "missing.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	job := waitForStatus(t, s, "job-3", storage.StatusFailed, 4*time.Second)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "404")
}

func TestDownloadJobHonorsContentDispositionFilename(t *testing.T) {
	body := "renamed-body"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="actual-name.safetensors"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 2 * time.Second})
	dest := filepath.Join(root, "placeholder.bin")
	_, err := m.Enqueue("job-4", srv.URL, "placeholder.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	job := waitForStatus(t, s, "job-4", storage.StatusCompleted, 4*time.Second)
	assert.Equal(t, "actual-name.safetensors", job.Filename)
	_, err = os.Stat(filepath.Join(root, "actual-name.safetensors"))
	assert.NoError(t, err)
}

func TestDownloadJobRegistersSourceAndHashFileTaskOnCompletion(t *testing.T) {
	body := "some-model-bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 2 * time.Second})
	dest := filepath.Join(root, "model.safetensors")
	_, err := m.Enqueue("job-5", srv.URL, "model.safetensors", dest, &root, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	waitForStatus(t, s, "job-5", storage.StatusCompleted, 4*time.Second)

	var mapping storage.SourceMapping
	require.NoError(t, s.DB.Where("key = ?", sources.RelpathKey("model.safetensors")).First(&mapping).Error)
	assert.Equal(t, srv.URL, mapping.URL)

	var rec storage.FileRecord
	require.NoError(t, s.DB.Where("side = ? AND relpath = ?", storage.SideLake, "model.safetensors").First(&rec).Error)

	var task storage.QueueTask
	require.NoError(t, s.DB.Where("type = ?", storage.TaskHashFile).First(&task).Error)
	require.NotNil(t, task.SrcRelpath)
	assert.Equal(t, "model.safetensors", *task.SrcRelpath)
}

func TestDownloadJobCancelPreservesPartialFile(t *testing.T) {
	var once sync.Once
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial-chunk-"))
		if flusher != nil {
			flusher.Flush()
		}
		once.Do(func() { close(block) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 10 * time.Second})
	dest := filepath.Join(root, "cancelme.bin")
	_, err := m.Enqueue("job-6", srv.URL, "cancelme.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-block:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received a request")
	}
	time.Sleep(100 * time.Millisecond)
	m.Cancel("job-6")

	job := waitForStatus(t, s, "job-6", storage.StatusCancelled, 4*time.Second)
	assert.Equal(t, storage.StatusCancelled, job.Status)
	_, statErr := os.Stat(dest + ".part")
	assert.NoError(t, statErr)
}

func TestDownloadJobCancelStartCancelStartCompletesWithoutRedownload(t *testing.T) {
	body := strings.Repeat("A", 50000)
	var mu sync.Mutex
	var offsets []int64
	reqCount := 0
	gotFirst := make(chan struct{})
	gotSecond := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		n := reqCount
		mu.Unlock()

		var offset int64
		if rng := r.Header.Get("Range"); rng != "" {
			fmt.Sscanf(rng, "bytes=%d-", &offset)
		}
		mu.Lock()
		offsets = append(offsets, offset)
		mu.Unlock()

		flusher, _ := w.(http.Flusher)
		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		remaining := body[offset:]

		switch n {
		case 1, 2:
			_, _ = w.Write([]byte(remaining[:100]))
			if flusher != nil {
				flusher.Flush()
			}
			if n == 1 {
				close(gotFirst)
			} else {
				close(gotSecond)
			}
			<-r.Context().Done()
		default:
			_, _ = w.Write([]byte(remaining))
		}
	}))
	defer srv.Close()

	m, s, root := testManager(t, Config{MaxConcurrent: 1, StallTimeout: 10 * time.Second})
	dest := filepath.Join(root, "resume.bin")
	_, err := m.Enqueue("job-resume", srv.URL, "resume.bin", dest, nil, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-gotFirst:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received first request")
	}
	time.Sleep(100 * time.Millisecond)
	require.True(t, m.Cancel("job-resume"))
	waitForStatus(t, s, "job-resume", storage.StatusCancelled, 4*time.Second)

	partInfo, err := os.Stat(dest + ".part")
	require.NoError(t, err)
	require.Greater(t, partInfo.Size(), int64(0))

	_, err = m.Start("job-resume")
	require.NoError(t, err)

	select {
	case <-gotSecond:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received second request")
	}
	time.Sleep(100 * time.Millisecond)
	require.True(t, m.Cancel("job-resume"))
	waitForStatus(t, s, "job-resume", storage.StatusCancelled, 4*time.Second)

	_, err = m.Start("job-resume")
	require.NoError(t, err)

	job := waitForStatus(t, s, "job-resume", storage.StatusCompleted, 4*time.Second)
	assert.Equal(t, storage.StatusCompleted, job.Status)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, offsets, 3)
	assert.EqualValues(t, 0, offsets[0])
	assert.Greater(t, offsets[1], int64(0), "restart after cancel must resume past byte 0, not re-download")
	assert.GreaterOrEqual(t, offsets[2], offsets[1], "second restart must resume at or beyond the first restart's offset")
}

func TestSanitizeFilenameStripsIllegalCharacters(t *testing.T) {
	assert.Equal(t, "model_name.bin", SanitizeFilename(`model/name.bin`))
	assert.Equal(t, "weirdfile", SanitizeFilename("weird<>:\"|?*file"))
	assert.Equal(t, "trimmed", SanitizeFilename("  trimmed.  "))
}

func TestDetectProviderAndAuthHeader(t *testing.T) {
	assert.Equal(t, storage.ProviderCivitai, DetectProvider("https://civitai.com/api/download/models/123"))
	assert.Equal(t, storage.ProviderHuggingFace, DetectProvider("https://huggingface.co/org/model/resolve/main/file.bin"))
	assert.Equal(t, storage.ProviderGeneric, DetectProvider("https://example.com/file.bin"))

	name, value := AuthHeader(storage.ProviderCivitai, "secret-key")
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer secret-key", value)

	name, value = AuthHeader(storage.ProviderGeneric, "secret-key")
	assert.Empty(t, name)
	assert.Empty(t, value)

	name, _ = AuthHeader(storage.ProviderCivitai, "")
	assert.Empty(t, name)
}
