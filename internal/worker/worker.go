// Package worker implements the single-writer task executor (component
// C8): it is the sole mutator of QueueTask status, FileRecord hash
// fields, and the filesystem under the two roots. The dispatch loop and
// its per-type executor functions, plus the deferred panic-recovery
// boundary around each task, are grounded directly on the teacher's
// queueWorker/executeTask shape (internal/core/engine.go).
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"modellibmgr/internal/bus"
	"modellibmgr/internal/hasher"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

const chunkSize = 1 * 1024 * 1024

// Roots resolves a side's filesystem root directory.
type Roots interface {
	Root(side storage.Side) string
}

// StaticRoots is the simplest Roots implementation, a fixed map.
type StaticRoots map[storage.Side]string

func (r StaticRoots) Root(side storage.Side) string { return r[side] }

// Worker is the single-threaded consumer of the queue table.
type Worker struct {
	store  *storage.Store
	queue  *queue.Queue
	hasher *hasher.Hasher
	srcs   *sources.Registry
	bus    *bus.Bus
	roots  Roots
	log    *slog.Logger

	pollInterval  time.Duration
	pauseInterval time.Duration
}

// New constructs a Worker that waits at most 1s (pollInterval) on an idle
// queue and re-checks the pause flag every 2s (pauseInterval).
func New(store *storage.Store, q *queue.Queue, h *hasher.Hasher, srcs *sources.Registry, b *bus.Bus, roots Roots, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store: store, queue: q, hasher: h, srcs: srcs, bus: b, roots: roots, log: log,
		pollInterval: time.Second, pauseInterval: 2 * time.Second,
	}
}

// Run loops until ctx is cancelled, dispatching one task at a time.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.queue.Paused() {
			sleep(ctx, w.pauseInterval)
			continue
		}

		task, err := w.queue.Next()
		if err != nil {
			w.log.Error("worker: fetch next task failed", "error", err)
			sleep(ctx, w.pollInterval)
			continue
		}
		if task == nil {
			w.queue.Wait(ctx, w.pollInterval)
			continue
		}

		w.runTask(ctx, task)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) runTask(ctx context.Context, task *storage.QueueTask) {
	started := time.Now()
	task.StartedAt = &started
	task.Status = storage.StatusRunning
	if err := w.store.DB.Save(task).Error; err != nil {
		w.log.Error("worker: mark running failed", "task_id", task.ID, "error", err)
		return
	}
	w.bus.Publish(bus.TopicTaskStarted, map[string]any{"id": task.ID, "type": task.Type})

	outcome := func() (execErr error) {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("worker: panic recovered", "task_id", task.ID, "panic", r)
				execErr = fmt.Errorf("internal worker error: %v", r)
			}
		}()
		return w.dispatch(ctx, task)
	}()

	w.finish(task, outcome)
}

func (w *Worker) dispatch(ctx context.Context, task *storage.QueueTask) error {
	switch task.Type {
	case storage.TaskCopy:
		return w.execCopy(ctx, task)
	case storage.TaskMove:
		return w.execMove(ctx, task)
	case storage.TaskDelete:
		return w.execDelete(task)
	case storage.TaskVerify:
		return w.execVerify(ctx, task)
	case storage.TaskHashFile:
		return w.execHashFile(task)
	case storage.TaskDedupeScan:
		return w.execDedupeScan(ctx, task)
	default:
		return fmt.Errorf("worker: unknown task type %q", task.Type)
	}
}

func (w *Worker) finish(task *storage.QueueTask, err error) {
	completed := time.Now()
	task.CompletedAt = &completed

	var reloaded storage.QueueTask
	if loadErr := w.store.DB.First(&reloaded, task.ID).Error; loadErr == nil && reloaded.Status == storage.StatusCancelled {
		task.Status = storage.StatusCancelled
	} else if err != nil {
		task.Status = storage.StatusFailed
		msg := err.Error()
		task.ErrorMessage = &msg
		task.RetryCount++
	} else {
		task.Status = storage.StatusCompleted
	}

	if saveErr := w.store.DB.Save(task).Error; saveErr != nil {
		w.log.Error("worker: save final task state failed", "task_id", task.ID, "error", saveErr)
	}
	w.bus.Publish(bus.TopicTaskComplete, map[string]any{
		"id": task.ID, "status": task.Status, "error": task.ErrorMessage,
	})
}

func (w *Worker) cancelled(taskID uint) bool {
	var row storage.QueueTask
	if err := w.store.DB.First(&row, taskID).Error; err != nil {
		return false
	}
	return row.Status == storage.StatusCancelled
}

// --- copy ---

func (w *Worker) execCopy(ctx context.Context, task *storage.QueueTask) error {
	if task.SrcSide == nil || task.SrcRelpath == nil || task.DstSide == nil || task.DstRelpath == nil {
		return errors.New("worker: copy task missing src/dst fields")
	}
	srcPath := filepath.Join(w.roots.Root(*task.SrcSide), filepath.FromSlash(*task.SrcRelpath))
	dstPath := filepath.Join(w.roots.Root(*task.DstSide), filepath.FromSlash(*task.DstRelpath))

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("worker: open source: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("worker: stat source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("worker: create destination dir: %w", err)
	}
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("worker: create destination: %w", err)
	}
	defer dstFile.Close()

	digest := sha256.New()
	buf := make([]byte, chunkSize)
	var transferred int64
	var lastPersist time.Time
	var lastDecile int64 = -1
	total := info.Size()

	for {
		if w.cancelled(task.ID) {
			return errTaskCancelled
		}
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, err := dstFile.Write(buf[:n]); err != nil {
				return fmt.Errorf("worker: write destination: %w", err)
			}
			digest.Write(buf[:n])
			transferred += int64(n)

			if time.Since(lastPersist) >= time.Second {
				w.store.DB.Model(task).Update("bytes_transferred", transferred)
				lastPersist = time.Now()
			}
			if total > 0 {
				decile := (transferred * 10) / total
				if decile != lastDecile {
					lastDecile = decile
					w.bus.Publish(bus.TopicQueueProgress, map[string]any{
						"id": task.ID, "bytes_transferred": transferred, "total": total,
					})
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("worker: read source: %w", readErr)
		}
	}

	w.store.DB.Model(task).Update("bytes_transferred", transferred)
	w.bus.Publish(bus.TopicQueueProgress, map[string]any{"id": task.ID, "bytes_transferred": transferred, "total": total})

	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("worker: close destination: %w", err)
	}
	if err := os.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		w.log.Warn("worker: preserve mtime failed", "path", dstPath, "error", err)
	}

	finalHash := hex.EncodeToString(digest.Sum(nil))
	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return fmt.Errorf("worker: stat destination: %w", err)
	}

	now := time.Now()
	if err := w.upsertFileRecord(*task.SrcSide, *task.SrcRelpath, info.Size(), info.ModTime().UnixNano(), finalHash, now); err != nil {
		return err
	}
	if err := w.upsertFileRecord(*task.DstSide, *task.DstRelpath, dstInfo.Size(), dstInfo.ModTime().UnixNano(), finalHash, now); err != nil {
		return err
	}
	return nil
}

var errTaskCancelled = errors.New("worker: task cancelled")

func (w *Worker) upsertFileRecord(side storage.Side, relpath string, size, mtimeNs int64, hash string, hashedAt time.Time) error {
	var rec storage.FileRecord
	err := w.store.DB.Where("side = ? AND relpath = ?", side, relpath).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = storage.FileRecord{Side: side, Relpath: relpath, IndexedAt: time.Now()}
	} else if err != nil {
		return fmt.Errorf("worker: load file record: %w", err)
	}
	rec.Size = size
	rec.MtimeNs = mtimeNs
	rec.Hash = hash
	rec.HashComputedAt = &hashedAt
	return w.store.DB.Save(&rec).Error
}

// --- move ---

func (w *Worker) execMove(ctx context.Context, task *storage.QueueTask) error {
	if task.SrcSide == nil || task.SrcRelpath == nil || task.DstSide == nil || task.DstRelpath == nil {
		return errors.New("worker: move task missing src/dst fields")
	}
	if *task.SrcSide == *task.DstSide {
		root := w.roots.Root(*task.SrcSide)
		srcPath := filepath.Join(root, filepath.FromSlash(*task.SrcRelpath))
		dstPath := filepath.Join(root, filepath.FromSlash(*task.DstRelpath))
		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return fmt.Errorf("worker: create destination dir: %w", err)
		}
		if err := os.Rename(srcPath, dstPath); err != nil {
			return fmt.Errorf("worker: rename: %w", err)
		}
		return w.store.DB.Model(&storage.FileRecord{}).
			Where("side = ? AND relpath = ?", *task.SrcSide, *task.SrcRelpath).
			Update("relpath", *task.DstRelpath).Error
	}

	if err := w.execCopy(ctx, task); err != nil {
		return err
	}
	srcPath := filepath.Join(w.roots.Root(*task.SrcSide), filepath.FromSlash(*task.SrcRelpath))
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: remove source after copy: %w", err)
	}
	return w.store.DB.Delete(&storage.FileRecord{}, "side = ? AND relpath = ?", *task.SrcSide, *task.SrcRelpath).Error
}

// --- delete ---

func (w *Worker) execDelete(task *storage.QueueTask) error {
	if task.DstSide == nil || task.DstRelpath == nil {
		return errors.New("worker: delete task missing target")
	}
	path := filepath.Join(w.roots.Root(*task.DstSide), filepath.FromSlash(*task.DstRelpath))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: delete: %w", err)
	}
	return w.store.DB.Delete(&storage.FileRecord{}, "side = ? AND relpath = ?", *task.DstSide, *task.DstRelpath).Error
}

// --- verify ---

func (w *Worker) execVerify(ctx context.Context, task *storage.QueueTask) error {
	var locals, lakes []storage.FileRecord
	q := w.store.DB
	if task.VerifyFolder != nil && *task.VerifyFolder != "" {
		q = q.Where("relpath LIKE ?", *task.VerifyFolder+"/%")
	}
	if err := q.Where("side = ?", storage.SideLocal).Find(&locals).Error; err != nil {
		return err
	}
	if err := w.store.DB.Where("side = ?", storage.SideLake).Find(&lakes).Error; err != nil {
		return err
	}
	lakeByPath := make(map[string]*storage.FileRecord, len(lakes))
	for i := range lakes {
		lakeByPath[lakes[i].Relpath] = &lakes[i]
	}

	checked := 0
	for i := range locals {
		if w.cancelled(task.ID) {
			return errTaskCancelled
		}
		local := &locals[i]
		lake, ok := lakeByPath[local.Relpath]
		if !ok || local.Size != lake.Size {
			continue
		}
		if local.Hash != "" && lake.Hash != "" {
			continue
		}
		if local.Hash == "" {
			if err := w.hashAndPersist(storage.SideLocal, local); err != nil {
				w.log.Warn("worker: verify hash failed", "relpath", local.Relpath, "side", "local", "error", err)
			}
		}
		if lake.Hash == "" {
			if err := w.hashAndPersist(storage.SideLake, lake); err != nil {
				w.log.Warn("worker: verify hash failed", "relpath", local.Relpath, "side", "lake", "error", err)
			}
		}
		checked++
		w.bus.Publish(bus.TopicVerifyProgress, map[string]any{"id": task.ID, "relpath": local.Relpath})
		w.bus.Publish(bus.TopicQueueProgress, map[string]any{"id": task.ID, "checked": checked})
	}
	return nil
}

func (w *Worker) hashAndPersist(side storage.Side, rec *storage.FileRecord) error {
	absPath := filepath.Join(w.roots.Root(side), filepath.FromSlash(rec.Relpath))
	_, err := w.hasher.Get(absPath, rec, hasher.ModeFull)
	return err
}

// --- hash_file ---

func (w *Worker) execHashFile(task *storage.QueueTask) error {
	if task.DstSide == nil || task.DstRelpath == nil {
		return errors.New("worker: hash_file task missing target")
	}
	var rec storage.FileRecord
	err := w.store.DB.Where("side = ? AND relpath = ?", *task.DstSide, *task.DstRelpath).First(&rec).Error
	if err != nil {
		return fmt.Errorf("worker: load file record: %w", err)
	}
	absPath := filepath.Join(w.roots.Root(*task.DstSide), filepath.FromSlash(*task.DstRelpath))
	hash, err := w.hasher.Get(absPath, &rec, hasher.ModeFull)
	if err != nil {
		return fmt.Errorf("worker: hash: %w", err)
	}
	if w.srcs != nil {
		if err := w.srcs.MigrateRelpathToHash(*task.DstRelpath, hash); err != nil {
			return fmt.Errorf("worker: migrate source mapping: %w", err)
		}
	}
	return nil
}

// --- dedupe_scan ---

func (w *Worker) execDedupeScan(ctx context.Context, task *storage.QueueTask) error {
	if task.DedupeSide == nil {
		return errors.New("worker: dedupe_scan task missing side")
	}
	mode := hasher.ModeFull
	if task.DedupeMode != nil && *task.DedupeMode == "fast" {
		mode = hasher.ModeFast
	}
	minSize := int64(0)
	if task.DedupeMinSize != nil {
		minSize = *task.DedupeMinSize
	}

	var recs []storage.FileRecord
	if err := w.store.DB.Where("side = ? AND size >= ?", *task.DedupeSide, minSize).Find(&recs).Error; err != nil {
		return err
	}

	for i := range recs {
		if w.cancelled(task.ID) {
			return errTaskCancelled
		}
		if recs[i].Hash != "" && (mode == hasher.ModeFast || !hasher.IsFast(recs[i].Hash)) {
			continue
		}
		absPath := filepath.Join(w.roots.Root(*task.DedupeSide), filepath.FromSlash(recs[i].Relpath))
		hash, err := w.hasher.Get(absPath, &recs[i], mode)
		if err != nil {
			w.log.Warn("worker: dedupe hash failed", "relpath", recs[i].Relpath, "error", err)
			continue
		}
		recs[i].Hash = hash
	}

	byHash := map[string][]storage.FileRecord{}
	for _, r := range recs {
		if r.Hash == "" {
			continue
		}
		byHash[r.Hash] = append(byHash[r.Hash], r)
	}

	scanID := uuid.NewString()
	return w.store.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&storage.DedupeScan{
			ScanID: scanID, Side: *task.DedupeSide, Mode: string(stringOr(task.DedupeMode, "full")),
			MinSize: minSize, CreatedAt: time.Now(),
		}).Error; err != nil {
			return err
		}
		for hash, members := range byHash {
			if len(members) < 2 {
				continue
			}
			groupID := uuid.NewString()
			if err := tx.Create(&storage.DuplicateGroup{
				ScanID: scanID, GroupID: groupID, Hash: hash, Size: members[0].Size,
			}).Error; err != nil {
				return err
			}
			for idx, m := range members {
				if err := tx.Create(&storage.DuplicateFile{
					GroupID: groupID, Relpath: m.Relpath, Keep: idx == 0,
				}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
