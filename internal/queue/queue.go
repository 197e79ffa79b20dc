// Package queue implements the durable task queue and mirror planner
// (component C7): the `queue` table plus enqueue/cancel/remove/pause/
// resume operations and the coalescing rules for verify/hash_file, with a
// sync.Cond wake-up the Worker blocks on between polls. The Cond-based
// blocking shape is grounded on the teacher's DownloadQueue
// (internal/queue/queue.go, internal/core/queue.go); unlike that in-memory
// priority heap, rows here are durable and FIFO, so Cond is used purely as
// a wake-up signal while ordering comes from `ORDER BY created_at`.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"modellibmgr/internal/differ"
	"modellibmgr/internal/storage"
)

var (
	ErrSameSide        = errors.New("queue: source and destination side must differ")
	ErrSourceMissing   = errors.New("queue: source does not exist on the named side")
	ErrDestExists      = errors.New("queue: destination already exists")
	ErrSamePath        = errors.New("queue: source and destination path are identical")
	ErrPolicyDenied    = errors.New("queue: delete denied by side policy")
	ErrNotCancellable  = errors.New("queue: task is not pending or running")
	ErrNotRemovable    = errors.New("queue: only pending tasks may be removed")
	ErrAlreadyPending  = errors.New("queue: an equivalent task is already pending or running")
)

// Queue owns the queue table and the process-wide pause flag.
type Queue struct {
	store *storage.Store

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

// New constructs a Queue over store.
func New(store *storage.Store) *Queue {
	q := &Queue{store: store}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Wait blocks the caller (the Worker) until a task is enqueued, the queue
// is resumed, ctx is cancelled, or backstop elapses. The backstop exists
// because Next()'s row read and this call aren't atomic under the same
// lock: an insert's signal racing between them would otherwise be lost
// and the Worker would block forever on an empty queue that isn't empty.
func (q *Queue) Wait(ctx context.Context, backstop time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	awake := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backstop):
		case <-awake:
			return
		}
		q.signal()
	}()

	q.cond.Wait()
	close(awake)
}

func (q *Queue) signal() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Paused reports the current pause state.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Pause sets the process-wide pause flag.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume clears the pause flag and wakes the Worker.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Next returns the oldest pending row, marking none. Returns (nil, nil)
// when the queue is empty.
func (q *Queue) Next() (*storage.QueueTask, error) {
	var task storage.QueueTask
	err := q.store.DB.Where("status = ?", storage.StatusPending).
		Order("created_at ASC").First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueCopy validates and inserts a copy task.
func (q *Queue) EnqueueCopy(srcSide storage.Side, srcRelpath string, dstSide storage.Side, dstRelpath string, size int64) (*storage.QueueTask, error) {
	if srcSide == dstSide {
		return nil, ErrSameSide
	}
	return q.insert(storage.QueueTask{
		Type: storage.TaskCopy, Status: storage.StatusPending,
		SrcSide: &srcSide, SrcRelpath: &srcRelpath,
		DstSide: &dstSide, DstRelpath: &dstRelpath,
		SizeBytes: &size, CreatedAt: time.Now(),
	})
}

// EnqueueMove preflights every (side, relpath) pair and enqueues all-or-
// nothing: reject if any source is missing, any destination exists, or any
// source/destination path pair is identical.
func (q *Queue) EnqueueMove(sides []storage.Side, srcRelpath, dstRelpath string, exists func(side storage.Side, relpath string) (bool, error)) ([]*storage.QueueTask, error) {
	if srcRelpath == dstRelpath {
		return nil, ErrSamePath
	}
	for _, side := range sides {
		srcOK, err := exists(side, srcRelpath)
		if err != nil {
			return nil, err
		}
		if !srcOK {
			return nil, fmt.Errorf("%w: side=%s relpath=%s", ErrSourceMissing, side, srcRelpath)
		}
		dstOK, err := exists(side, dstRelpath)
		if err != nil {
			return nil, err
		}
		if dstOK {
			return nil, fmt.Errorf("%w: side=%s relpath=%s", ErrDestExists, side, dstRelpath)
		}
	}

	tasks := make([]*storage.QueueTask, 0, len(sides))
	err := q.store.DB.Transaction(func(tx *gorm.DB) error {
		for _, side := range sides {
			s, d := side, side
			srcRel, dstRel := srcRelpath, dstRelpath
			row := storage.QueueTask{
				Type: storage.TaskMove, Status: storage.StatusPending,
				SrcSide: &s, SrcRelpath: &srcRel,
				DstSide: &d, DstRelpath: &dstRel,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			tasks = append(tasks, &row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.signal()
	return tasks, nil
}

// EnqueueDelete enqueues a delete task, honoring respectPolicy against
// allowDelete unless the caller (dedupe execution) bypasses it.
func (q *Queue) EnqueueDelete(side storage.Side, relpath string, respectPolicy, allowDelete bool) (*storage.QueueTask, error) {
	if respectPolicy && !allowDelete {
		return nil, ErrPolicyDenied
	}
	return q.insert(storage.QueueTask{
		Type: storage.TaskDelete, Status: storage.StatusPending,
		DstSide: &side, DstRelpath: &relpath, CreatedAt: time.Now(),
	})
}

// EnqueueVerify enqueues a verify task scoped to relpath or folder,
// refusing a duplicate while an equivalent task is pending or running.
func (q *Queue) EnqueueVerify(target string) (*storage.QueueTask, error) {
	busy, err := q.hasPendingOrRunning(storage.TaskVerify, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("verify_folder = ?", target)
	})
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrAlreadyPending
	}
	return q.insert(storage.QueueTask{
		Type: storage.TaskVerify, Status: storage.StatusPending,
		VerifyFolder: &target, CreatedAt: time.Now(),
	})
}

// EnqueueHashFile enqueues a hash_file task for relpath, coalesced
// identically to EnqueueVerify.
func (q *Queue) EnqueueHashFile(side storage.Side, relpath string) (*storage.QueueTask, error) {
	busy, err := q.hasPendingOrRunning(storage.TaskHashFile, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("dst_side = ? AND dst_relpath = ?", side, relpath)
	})
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrAlreadyPending
	}
	return q.insert(storage.QueueTask{
		Type: storage.TaskHashFile, Status: storage.StatusPending,
		DstSide: &side, DstRelpath: &relpath, CreatedAt: time.Now(),
	})
}

// EnqueueDedupeScan enqueues a dedupe_scan task for side.
func (q *Queue) EnqueueDedupeScan(side storage.Side, mode string, minSize int64) (*storage.QueueTask, error) {
	return q.insert(storage.QueueTask{
		Type: storage.TaskDedupeScan, Status: storage.StatusPending,
		DedupeSide: &side, DedupeMode: &mode, DedupeMinSize: &minSize,
		CreatedAt: time.Now(),
	})
}

func (q *Queue) hasPendingOrRunning(taskType storage.TaskType, scope func(*gorm.DB) *gorm.DB) (bool, error) {
	var count int64
	tx := q.store.DB.Model(&storage.QueueTask{}).
		Where("type = ? AND status IN ?", taskType, []storage.TaskStatus{storage.StatusPending, storage.StatusRunning})
	tx = scope(tx)
	if err := tx.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (q *Queue) insert(row storage.QueueTask) (*storage.QueueTask, error) {
	if err := q.store.DB.Create(&row).Error; err != nil {
		return nil, err
	}
	q.signal()
	return &row, nil
}

// Cancel transitions a pending or running task to cancelled.
func (q *Queue) Cancel(id uint) error {
	res := q.store.DB.Model(&storage.QueueTask{}).
		Where("id = ? AND status IN ?", id, []storage.TaskStatus{storage.StatusPending, storage.StatusRunning}).
		Update("status", storage.StatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotCancellable
	}
	return nil
}

// Remove deletes a pending task outright.
func (q *Queue) Remove(id uint) error {
	res := q.store.DB.Where("id = ? AND status = ?", id, storage.StatusPending).
		Delete(&storage.QueueTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotRemovable
	}
	return nil
}

// List returns all queue rows, newest first.
func (q *Queue) List() ([]storage.QueueTask, error) {
	var rows []storage.QueueTask
	err := q.store.DB.Order("created_at DESC").Find(&rows).Error
	return rows, err
}

// ResetOrphans resets any row left `running` from a previous process
// lifetime back to `pending`, per spec.md §5 startup recovery.
func (q *Queue) ResetOrphans() error {
	return q.store.DB.Model(&storage.QueueTask{}).
		Where("status = ?", storage.StatusRunning).
		Update("status", storage.StatusPending).Error
}

// MirrorPlan is the result of comparing a source folder against a
// destination folder across sides.
type MirrorPlan struct {
	Copies    []differ.Entry
	Deletes   []differ.Entry
	Conflicts []differ.Entry
}

// PlanMirror computes the copy/delete/conflict sets for mirroring
// srcFolder on srcSide onto dstFolder on dstSide, given the full diff view.
func PlanMirror(entries []differ.Entry, srcSide storage.Side, srcFolder, dstFolder string) MirrorPlan {
	scoped := differ.FilterByFolder(entries, srcFolder)
	if srcFolder != dstFolder {
		rescoped := make([]differ.Entry, 0, len(scoped))
		for _, e := range differ.FilterByFolder(entries, dstFolder) {
			rescoped = append(rescoped, e)
		}
		scoped = append(scoped, rescoped...)
	}

	var plan MirrorPlan
	seen := map[string]bool{}
	for _, e := range scoped {
		if seen[e.Relpath] {
			continue
		}
		seen[e.Relpath] = true

		srcHas := (srcSide == storage.SideLocal && e.Local != nil) || (srcSide == storage.SideLake && e.Lake != nil)
		dstHas := (srcSide == storage.SideLocal && e.Lake != nil) || (srcSide == storage.SideLake && e.Local != nil)

		switch {
		case srcHas && !dstHas:
			plan.Copies = append(plan.Copies, e)
		case !srcHas && dstHas:
			plan.Deletes = append(plan.Deletes, e)
		case e.Status == differ.StatusConflict:
			plan.Conflicts = append(plan.Conflicts, e)
		}
	}
	return plan
}

// ExecuteMirror enqueues every copy and delete in plan.
func (q *Queue) ExecuteMirror(plan MirrorPlan, srcSide, dstSide storage.Side, allowDelete bool) error {
	for _, e := range plan.Copies {
		if _, err := q.EnqueueCopy(srcSide, e.Relpath, dstSide, e.Relpath, sizeOf(e, srcSide)); err != nil {
			return err
		}
	}
	for _, e := range plan.Deletes {
		if _, err := q.EnqueueDelete(dstSide, e.Relpath, true, allowDelete); err != nil {
			return err
		}
	}
	return nil
}

func sizeOf(e differ.Entry, side storage.Side) int64 {
	if side == storage.SideLocal && e.Local != nil {
		return e.Local.Size
	}
	if side == storage.SideLake && e.Lake != nil {
		return e.Lake.Size
	}
	return 0
}
