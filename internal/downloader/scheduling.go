package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"
)

// speedLimiter enforces the global download bandwidth ceiling (set from
// Config.BandwidthPerSec and Manager.SetBandwidthLimit) across every
// running job's stream() loop, with zero overhead while disabled.
type speedLimiter struct {
	global  *rate.Limiter
	enabled atomic.Bool
}

func newSpeedLimiter() *speedLimiter {
	return &speedLimiter{global: rate.NewLimiter(rate.Inf, 0)}
}

// setLimit updates the ceiling in bytes per second; 0 disables it.
func (s *speedLimiter) setLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		s.enabled.Store(false)
		s.global.SetLimit(rate.Inf)
		return
	}
	s.enabled.Store(true)
	s.global.SetLimit(rate.Limit(bytesPerSec))
	s.global.SetBurst(int(bytesPerSec)) // allow a 1s burst
}

// wait blocks until n bytes may be consumed under the current ceiling.
func (s *speedLimiter) wait(ctx context.Context, n int) error {
	if !s.enabled.Load() {
		return nil
	}
	for n > 0 {
		step := n
		if burst := s.global.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := s.global.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// hostConcurrency tracks per-host download health and derives, from it,
// how many jobs may run against that host at once. It implements an
// additive-increase/multiplicative-decrease rule: a run of clean attempts
// raises the ceiling one job at a time, a single failed attempt halves
// it. This keeps one slow or rate-limiting host from soaking up every
// scheduler slot while healthy hosts stay under-served.
type hostConcurrency struct {
	mu   sync.Mutex
	min  int
	max  int
	seen map[string]*HostStats
}

// HostStats is the rolling view of one host's recent downloads.
type HostStats struct {
	smoothedLatency time.Duration
	lastLatency     time.Duration
	lastAttempt     time.Time
	concurrencyCap  int
	cleanStreak     int
	failedAttempts  int
}

func newHostConcurrency(min, max int) *hostConcurrency {
	return &hostConcurrency{min: min, max: max, seen: make(map[string]*HostStats)}
}

// recordAttempt logs one request's outcome (success or failure) against
// host, feeding both the smoothed-latency estimate and the AIMD counters
// idealConcurrency consults on the next admission check.
func (h *hostConcurrency) recordAttempt(host string, latency time.Duration, err error) {
	if host == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	stats, ok := h.seen[host]
	if !ok {
		stats = &HostStats{concurrencyCap: h.min, smoothedLatency: latency}
		h.seen[host] = stats
	}

	const alpha = 0.125 // exponential moving average weight
	stats.smoothedLatency = time.Duration((1-alpha)*float64(stats.smoothedLatency) + alpha*float64(latency))
	stats.lastLatency = latency
	stats.lastAttempt = time.Now()

	if err != nil {
		stats.failedAttempts++
		stats.cleanStreak = 0
	} else {
		stats.cleanStreak++
	}
}

// idealConcurrency returns the number of jobs currently allowed to run
// against host: unseen hosts start at the slow-start floor, a pending
// failure halves the cap, and a long enough clean streak raises it one
// job at a time up to max.
func (h *hostConcurrency) idealConcurrency(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats, ok := h.seen[host]
	if !ok {
		return h.min
	}

	if stats.failedAttempts > 0 {
		stats.concurrencyCap = maxOf(1, stats.concurrencyCap/2)
		stats.failedAttempts = 0
		return stats.concurrencyCap
	}

	if stats.cleanStreak > stats.concurrencyCap {
		if stats.concurrencyCap < h.max {
			stats.concurrencyCap++
		}
		stats.cleanStreak = 0
	}
	return stats.concurrencyCap
}

// snapshot returns a copy of host's tracked stats, or nil if no attempt
// against it has been recorded yet.
func (h *hostConcurrency) snapshot(host string) *HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats, ok := h.seen[host]
	if !ok {
		return nil
	}
	cp := *stats
	return &cp
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// preallocateTemp reserves size bytes for a job's ".part" file ahead of
// the first write. When the destination volume lacks the free space it
// returns an error without touching the file; stream logs that error and
// carries on downloading without preallocation.
func preallocateTemp(path string, size int64) error {
	if err := checkFreeSpace(path, size); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("downloader: open temp file for preallocation: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("downloader: preallocate temp file: %w", err)
	}
	return nil
}

// diskPreallocationBuffer is held back from a volume's reported free
// space so a download never drives a shared disk to zero bytes free.
const diskPreallocationBuffer = 100 * 1024 * 1024

func checkFreeSpace(path string, required int64) error {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("downloader: check free disk space: %w", err)
	}
	if int64(usage.Free) < required+diskPreallocationBuffer {
		return fmt.Errorf("downloader: insufficient disk space: need %d bytes, %d free", required, usage.Free)
	}
	return nil
}
