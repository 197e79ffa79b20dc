// Package downloader implements the resumable multi-job HTTP downloader
// (component C10): a scheduler loop admits queued jobs up to
// max_concurrent, each running job streams to a ".part" temp file with
// byte-range resume, stall/reset retry, and Content-Disposition filename
// handling. The scheduler-loop/ticker/progress-persist shape and the
// custom transport are grounded on the teacher's executeTask/ProbeURL
// (internal/core/engine.go); the single-active-range-read-per-job
// simplification and the provider/bearer-header table are new to this
// system (the teacher's engine is a parallel multi-part HTTP client with
// no notion of a remote provider's auth scheme).
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"modellibmgr/internal/bus"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

const (
	chunkSize        = 1 * 1024 * 1024
	genericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// Config bounds the Manager's scheduling and network behavior.
type Config struct {
	MaxConcurrent    int
	StallTimeout     time.Duration
	ConnectTimeout   time.Duration
	BandwidthPerSec  int64 // 0 = unlimited
	APIKeys          map[storage.Provider]string
}

// Manager runs the download scheduler and owns every DownloadJob.
type Manager struct {
	store    *storage.Store
	bus      *bus.Bus
	srcs     *sources.Registry
	q        *queue.Queue
	roots    map[storage.Side]string
	log      *slog.Logger
	cfg      Config
	client   *http.Client
	limiter  *speedLimiter
	hostConc *hostConcurrency

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	hosts   map[string]string // jobID -> host, for congestion accounting
}

// New constructs a Manager. roots maps a side to its filesystem root, used
// to compute a downloaded file's relpath when RecordSource is set.
func New(store *storage.Store, b *bus.Bus, srcs *sources.Registry, q *queue.Queue, roots map[storage.Side]string, log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	}

	limiter := newSpeedLimiter()
	limiter.setLimit(cfg.BandwidthPerSec)

	return &Manager{
		store: store, bus: b, srcs: srcs, q: q, roots: roots, log: log, cfg: cfg,
		client:   &http.Client{Transport: transport},
		limiter:  limiter,
		hostConc: newHostConcurrency(1, cfg.MaxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
		hosts:    make(map[string]string),
	}
}

// hostOf returns the request host of a download URL, or "" if it can't
// be parsed.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// runningOnHost counts currently running jobs targeting host.
func (m *Manager) runningOnHost(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.hosts {
		if h == host {
			n++
		}
	}
	return n
}

// SetBandwidthLimit updates the global download speed ceiling at
// runtime; 0 means unlimited. The Manager does not watch
// config.SettingsManager: the ceiling comes from Config.BandwidthPerSec
// at construction and changes only through a call to this method.
func (m *Manager) SetBandwidthLimit(bytesPerSec int64) {
	m.limiter.setLimit(bytesPerSec)
}

// HostStats reports the scheduler's current view of a host's download
// health, or nil if no job has completed an attempt against it yet.
func (m *Manager) HostStats(host string) *HostStats {
	return m.hostConc.snapshot(host)
}

// Enqueue creates a new queued DownloadJob.
func (m *Manager) Enqueue(jobID, url, filename, destPath string, targetRoot *string, recordSource bool) (*storage.DownloadJob, error) {
	job := storage.DownloadJob{
		JobID: jobID, URL: url, Filename: filename, Provider: DetectProvider(url),
		Status: storage.StatusPending, DestPath: destPath, TempPath: destPath + ".part",
		TargetRoot: targetRoot, RecordSource: recordSource, CreatedAt: time.Now(),
	}
	if err := m.store.DB.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("downloader: enqueue: %w", err)
	}
	return &job, nil
}

// ResetOrphans resets any job left `running` from a previous process
// lifetime back to `pending`, the status a waiting job holds (there is no
// separate `queued` status value).
func (m *Manager) ResetOrphans() error {
	return m.store.DB.Model(&storage.DownloadJob{}).
		Where("status = ?", storage.StatusRunning).
		Update("status", storage.StatusPending).Error
}

// Run is the scheduler loop: it admits at most cfg.MaxConcurrent queued
// jobs into running state until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.admit(ctx)
		}
	}
}

func (m *Manager) admit(ctx context.Context) {
	m.mu.Lock()
	running := len(m.cancels)
	m.mu.Unlock()
	if running >= m.cfg.MaxConcurrent {
		return
	}

	var job storage.DownloadJob
	err := m.store.DB.Where("status = ?", storage.StatusPending).
		Order("created_at ASC").First(&job).Error
	if err != nil {
		return
	}

	if host := hostOf(job.URL); host != "" && m.runningOnHost(host) >= m.hostConc.idealConcurrency(host) {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[job.JobID] = cancel
	m.hosts[job.JobID] = hostOf(job.URL)
	m.mu.Unlock()

	job.Status = storage.StatusRunning
	started := time.Now()
	job.StartedAt = &started
	m.store.DB.Save(&job)

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.cancels, job.JobID)
			delete(m.hosts, job.JobID)
			m.mu.Unlock()
		}()
		m.runJob(jobCtx, &job)
	}()
}

// Cancel requests cooperative cancellation of a running job; the partial
// file is preserved.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	m.store.DB.Model(&storage.DownloadJob{}).Where("job_id = ?", jobID).Update("status", storage.StatusCancelled)
	return true
}

// Start requeues a cancelled or failed job back to pending so the next
// scheduler tick admits it again. runJob resumes from whatever prefix
// already sits in TempPath, so a cancel→start round trip never re-
// downloads bytes already on disk. Jobs already pending, running, or
// completed are returned unchanged.
func (m *Manager) Start(jobID string) (*storage.DownloadJob, error) {
	var job storage.DownloadJob
	if err := m.store.DB.Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	if job.Status != storage.StatusCancelled && job.Status != storage.StatusFailed {
		return &job, nil
	}
	job.Status = storage.StatusPending
	job.ErrorMessage = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	if err := m.store.DB.Save(&job).Error; err != nil {
		return nil, fmt.Errorf("downloader: requeue job: %w", err)
	}
	return &job, nil
}

// CancelAll cancels every currently running job.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.cancels))
	for id := range m.cancels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id)
	}
}

func (m *Manager) runJob(ctx context.Context, job *storage.DownloadJob) {
	host := hostOf(job.URL)
	for {
		if ctx.Err() != nil {
			return
		}

		job.Attempts++
		offset := int64(0)
		if info, err := os.Stat(job.TempPath); err == nil {
			offset = info.Size()
		}

		attemptStart := time.Now()
		req, err := m.buildRequest(ctx, job, offset)
		if err != nil {
			m.fail(job, err)
			return
		}

		resp, err := m.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.hostConc.recordAttempt(host, time.Since(attemptStart), err)
			m.log.Warn("downloader: request failed, retrying", "job_id", job.JobID, "error", err)
			m.persist(job)
			sleepOrDone(ctx, 2*time.Second)
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			m.hostConc.recordAttempt(host, time.Since(attemptStart), fmt.Errorf("http %d", resp.StatusCode))
			m.fail(job, fmt.Errorf("downloader: http status %d", resp.StatusCode))
			return
		}

		if offset > 0 && resp.StatusCode == http.StatusOK {
			offset = 0
			os.Truncate(job.TempPath, 0)
		}

		m.applyContentDisposition(job, resp)

		if resp.Header.Get("Content-Length") != "" && resp.StatusCode != http.StatusPartialContent {
			if total := resp.ContentLength; total >= 0 {
				t := offset + total
				job.TotalBytes = &t
			}
		}

		completed, retryable, err := m.stream(ctx, job, resp, offset)
		resp.Body.Close()
		m.hostConc.recordAttempt(host, time.Since(attemptStart), err)

		if completed {
			if err := m.finalize(job); err != nil {
				m.fail(job, err)
				return
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if retryable {
			m.persist(job)
			sleepOrDone(ctx, 2*time.Second)
			continue
		}
		m.fail(job, err)
		return
	}
}

func (m *Manager) buildRequest(ctx context.Context, job *storage.DownloadJob, offset int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("downloader: build request: %w", err)
	}
	req.Header.Set("User-Agent", genericUserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if name, value := AuthHeader(job.Provider, m.cfg.APIKeys[job.Provider]); name != "" {
		req.Header.Set(name, value)
	}
	return req, nil
}

var filenameStarRe = regexp.MustCompile(`(?i)filename\*\s*=\s*UTF-8''([^;]+)`)

func (m *Manager) applyContentDisposition(job *storage.DownloadJob, resp *http.Response) {
	cd := resp.Header.Get("Content-Disposition")
	if cd == "" {
		return
	}
	var filename string
	if match := filenameStarRe.FindStringSubmatch(cd); match != nil {
		if unescaped, err := url.QueryUnescape(match[1]); err == nil {
			filename = unescaped
		}
	}
	if filename == "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			filename = params["filename"]
		}
	}
	filename = SanitizeFilename(filename)
	if filename == "" || filename == job.Filename {
		return
	}

	dir := filepath.Dir(job.DestPath)
	newDest := filepath.Join(dir, filename)
	newTemp := newDest + ".part"
	if err := os.Rename(job.TempPath, newTemp); err != nil && !os.IsNotExist(err) {
		m.log.Warn("downloader: rename temp on filename change failed", "job_id", job.JobID, "error", err)
		return
	}
	job.Filename = filename
	job.DestPath = newDest
	job.TempPath = newTemp
}

// stream copies resp.Body into job.TempPath starting at offset, returning
// (completed, retryable, err).
func (m *Manager) stream(ctx context.Context, job *storage.DownloadJob, resp *http.Response, offset int64) (bool, bool, error) {
	if err := os.MkdirAll(filepath.Dir(job.TempPath), 0755); err != nil {
		return false, false, fmt.Errorf("downloader: create temp dir: %w", err)
	}
	if offset == 0 && job.TotalBytes != nil {
		if err := preallocateTemp(job.TempPath, *job.TotalBytes); err != nil {
			m.log.Warn("downloader: pre-allocation skipped", "job_id", job.JobID, "error", err)
		}
	}
	f, err := os.OpenFile(job.TempPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, false, fmt.Errorf("downloader: open temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false, false, fmt.Errorf("downloader: seek temp file: %w", err)
	}

	reader := newStallReader(resp.Body, m.cfg.StallTimeout)
	buf := make([]byte, chunkSize)
	downloaded := offset
	var lastPersist time.Time

	for {
		if ctx.Err() != nil {
			return false, false, ctx.Err()
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := m.limiter.wait(ctx, n); err != nil {
				return false, false, err
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return false, false, fmt.Errorf("downloader: write temp file: %w", werr)
			}
			downloaded += int64(n)
			job.BytesDownloaded = downloaded
			if time.Since(lastPersist) >= time.Second {
				m.persist(job)
				m.bus.Publish(bus.TopicQueueProgress, map[string]any{
					"job_id": job.JobID, "bytes_downloaded": downloaded, "total": job.TotalBytes,
				})
				lastPersist = time.Now()
			}
		}
		if readErr == io.EOF {
			job.BytesDownloaded = downloaded
			if job.TotalBytes == nil || downloaded >= *job.TotalBytes {
				return true, false, nil
			}
			// Clean EOF short of the advertised length: treat as a stall.
			return false, true, ErrStalled
		}
		if readErr != nil {
			if errors.Is(readErr, ErrStalled) || isResetError(readErr) {
				return false, true, readErr
			}
			return false, false, readErr
		}
	}
}

func isResetError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "reset by peer") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}

func (m *Manager) finalize(job *storage.DownloadJob) error {
	if err := os.Rename(job.TempPath, job.DestPath); err != nil {
		return fmt.Errorf("downloader: finalize rename: %w", err)
	}
	job.Status = storage.StatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	if err := m.store.DB.Save(job).Error; err != nil {
		return fmt.Errorf("downloader: persist completion: %w", err)
	}
	m.bus.Publish(bus.TopicTaskComplete, map[string]any{"job_id": job.JobID, "status": job.Status})

	if job.RecordSource && job.TargetRoot != nil {
		m.registerDownloadedFile(job)
	}
	return nil
}

func (m *Manager) registerDownloadedFile(job *storage.DownloadJob) {
	rel, err := filepath.Rel(*job.TargetRoot, job.DestPath)
	if err != nil {
		m.log.Warn("downloader: compute relpath for source registration failed", "job_id", job.JobID, "error", err)
		return
	}
	rel = filepath.ToSlash(rel)

	var side storage.Side
	found := false
	for s, root := range m.roots {
		if root == *job.TargetRoot {
			side, found = s, true
			break
		}
	}
	if !found {
		return
	}

	if m.srcs != nil {
		if _, err := m.srcs.Put(sources.RelpathKey(rel), job.URL, "", job.Filename, rel); err != nil {
			m.log.Warn("downloader: register source mapping failed", "job_id", job.JobID, "error", err)
		}
	}

	info, statErr := os.Stat(job.DestPath)
	if statErr == nil {
		var rec storage.FileRecord
		err := m.store.DB.Where("side = ? AND relpath = ?", side, rel).First(&rec).Error
		if err != nil {
			rec = storage.FileRecord{Side: side, Relpath: rel, Size: info.Size(), MtimeNs: info.ModTime().UnixNano(), IndexedAt: time.Now()}
			m.store.DB.Create(&rec)
		}
	}

	if m.q != nil {
		if _, err := m.q.EnqueueHashFile(side, rel); err != nil && !errors.Is(err, queue.ErrAlreadyPending) {
			m.log.Warn("downloader: enqueue hash_file after download failed", "job_id", job.JobID, "error", err)
		}
	}
}

func (m *Manager) fail(job *storage.DownloadJob, err error) {
	job.Status = storage.StatusFailed
	msg := err.Error()
	job.ErrorMessage = &msg
	now := time.Now()
	job.CompletedAt = &now
	m.store.DB.Save(job)
	m.bus.Publish(bus.TopicTaskComplete, map[string]any{"job_id": job.JobID, "status": job.Status, "error": msg})
}

func (m *Manager) persist(job *storage.DownloadJob) {
	m.store.DB.Model(&storage.DownloadJob{}).Where("job_id = ?", job.JobID).Updates(map[string]any{
		"bytes_downloaded": job.BytesDownloaded, "total_bytes": job.TotalBytes, "attempts": job.Attempts,
		"filename": job.Filename, "dest_path": job.DestPath, "temp_path": job.TempPath,
	})
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// SanitizeFilename strips path separators, control characters, and
// Windows-illegal characters from a Content-Disposition-derived filename.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(`<>:"|?*`, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), " .")
}
