// Package remote implements the remote-session task broker (component
// C11): an in-memory, at-most-one-active RemoteSession with a bearer
// token, a FIFO of RemoteTasks, and a cooperative long-poll wake-up.
// Grounded on the teacher's ControlServer.securityMiddleware
// (internal/api/server.go) for the loopback/token-gated shape, upgraded
// to a real constant-time bearer comparison since this channel is meant
// to be reached from outside the host.
package remote

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoActiveSession = errors.New("remote: no active session")
	ErrTaskNotFound     = errors.New("remote: task not found")
)

const defaultPollTimeout = 20 * time.Second

// TaskType enumerates RemoteTask.Type. DOWNLOAD_URLS is the only type
// with coalescing rules; any other value is treated as an opaque,
// never-coalesced unit of work.
type TaskType string

const TaskTypeDownloadURLs TaskType = "DOWNLOAD_URLS"

// TaskStatus enumerates RemoteTask.Status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Item is one entry of a DOWNLOAD_URLS payload's items[] list, identified
// by a stable key: its relpath if present, else its url.
type Item map[string]any

func (it Item) key() string {
	if rel, ok := it["relpath"].(string); ok && rel != "" {
		return rel
	}
	if u, ok := it["url"].(string); ok {
		return u
	}
	return ""
}

// RemoteTask is one unit of work handed to the polling agent.
type RemoteTask struct {
	ID        string
	Type      TaskType
	Payload   map[string]any
	Status    TaskStatus
	Progress  float64
	Message   string
	Error     string
	Meta      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type session struct {
	apiKey        string
	expiresAt     time.Time
	agentInfo     map[string]any
	lastHeartbeat *time.Time
	tasks         []*RemoteTask
	wake          chan struct{}
}

// Broker owns the singleton RemoteSession entirely in memory; it is
// discarded wholesale on session end or expiry.
type Broker struct {
	mu      sync.Mutex
	session *session
	ttl     time.Duration

	// PollTimeout bounds NextTask's long-poll wait. Defaults to 20s;
	// exposed for tests that need a short wait.
	PollTimeout time.Duration
}

// New constructs a Broker whose sessions live for ttl once enabled.
func New(ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Broker{ttl: ttl, PollTimeout: defaultPollTimeout}
}

func randomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// EnableSession starts a fresh session, discarding any prior one, and
// returns the new bearer key.
func (b *Broker) EnableSession() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	b.session = &session{
		apiKey:    key,
		expiresAt: time.Now().Add(b.ttl),
		wake:      make(chan struct{}),
	}
	return key, nil
}

// EndSession discards the active session, if any.
func (b *Broker) EndSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Broker) clearLocked() {
	if b.session != nil {
		close(b.session.wake)
	}
	b.session = nil
}

// activeLocked returns the live session, expiring and clearing it first
// if its TTL has elapsed.
func (b *Broker) activeLocked() *session {
	if b.session == nil {
		return nil
	}
	if time.Now().After(b.session.expiresAt) {
		b.clearLocked()
		return nil
	}
	return b.session
}

// ValidateKey reports whether key is the active session's bearer,
// comparing in constant time.
func (b *Broker) ValidateKey(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

// Active reports whether a session is currently live.
func (b *Broker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked() != nil
}

// RegisterAgent records the polling agent's self-reported info.
func (b *Broker) RegisterAgent(info map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return ErrNoActiveSession
	}
	s.agentInfo = info
	now := time.Now()
	s.lastHeartbeat = &now
	return nil
}

// Heartbeat bumps last_heartbeat without extending the session TTL.
func (b *Broker) Heartbeat() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return ErrNoActiveSession
	}
	now := time.Now()
	s.lastHeartbeat = &now
	return nil
}

// NextTask long-polls for the earliest pending task, marking it running
// before returning it. It returns (nil, nil) after ~20s with nothing
// pending, or an error if the session is gone or ctx is cancelled.
func (b *Broker) NextTask(ctx context.Context) (*RemoteTask, error) {
	for {
		b.mu.Lock()
		s := b.activeLocked()
		if s == nil {
			b.mu.Unlock()
			return nil, ErrNoActiveSession
		}
		if t := firstPending(s.tasks); t != nil {
			t.Status = TaskRunning
			t.UpdatedAt = time.Now()
			b.mu.Unlock()
			return t, nil
		}
		wake := s.wake
		b.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-time.After(b.PollTimeout):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func firstPending(tasks []*RemoteTask) *RemoteTask {
	for _, t := range tasks {
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}

// ProgressUpdate carries the fields an agent may mutate on a task. Nil
// fields are left untouched.
type ProgressUpdate struct {
	TaskID   string
	Status   *TaskStatus
	Progress *float64
	Message  *string
	Error    *string
	Meta     map[string]any
}

// Progress applies update to its named task. A meta.items_status map is
// merged key-by-key rather than replaced. Once a task has been set to
// cancelled (by the UI, via CancelTask), any further agent update other
// than another cancelled is silently discarded.
func (b *Broker) Progress(update ProgressUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return ErrNoActiveSession
	}
	task := findTask(s.tasks, update.TaskID)
	if task == nil {
		return ErrTaskNotFound
	}

	if task.Status == TaskCancelled {
		if update.Status == nil || *update.Status != TaskCancelled {
			return nil
		}
	}

	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Progress != nil {
		task.Progress = *update.Progress
	}
	if update.Message != nil {
		task.Message = *update.Message
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	for k, v := range update.Meta {
		if k == "items_status" {
			mergeItemsStatus(task, v)
			continue
		}
		if task.Meta == nil {
			task.Meta = map[string]any{}
		}
		task.Meta[k] = v
	}
	task.UpdatedAt = time.Now()
	return nil
}

func mergeItemsStatus(task *RemoteTask, incoming any) {
	incomingMap, ok := incoming.(map[string]any)
	if !ok {
		return
	}
	if task.Meta == nil {
		task.Meta = map[string]any{}
	}
	existing, _ := task.Meta["items_status"].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range incomingMap {
		existing[k] = v
	}
	task.Meta["items_status"] = existing
}

func findTask(tasks []*RemoteTask, id string) *RemoteTask {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ListTasks returns every task of the active session, oldest first.
func (b *Broker) ListTasks() ([]*RemoteTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return nil, ErrNoActiveSession
	}
	out := make([]*RemoteTask, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

// CancelTask marks a task cancelled; it is a UI-facing operation and
// requires no bearer.
func (b *Broker) CancelTask(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return ErrNoActiveSession
	}
	task := findTask(s.tasks, id)
	if task == nil {
		return ErrTaskNotFound
	}
	task.Status = TaskCancelled
	task.UpdatedAt = time.Now()
	return nil
}

// EnqueueTask creates a fresh, never-coalesced task. Used for every
// TaskType other than DOWNLOAD_URLS.
func (b *Broker) EnqueueTask(taskType TaskType, payload map[string]any) (*RemoteTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return nil, ErrNoActiveSession
	}
	return b.enqueueLocked(s, taskType, payload), nil
}

func (b *Broker) enqueueLocked(s *session, taskType TaskType, payload map[string]any) *RemoteTask {
	now := time.Now()
	task := &RemoteTask{
		ID: uuid.NewString(), Type: taskType, Payload: payload,
		Status: TaskPending, CreatedAt: now, UpdatedAt: now,
	}
	s.tasks = append(s.tasks, task)
	close(s.wake)
	s.wake = make(chan struct{})
	return task
}

// EnqueueDownloadURLs applies the DOWNLOAD_URLS coalescing rule: incoming
// items whose key already appears in a pending-or-running DOWNLOAD_URLS
// task are dropped. If everything was redundant, the task already
// holding them is returned. Otherwise the fresh items are appended to a
// pending task if one exists, else spun into a new pending follow-up if
// only a running task exists, else enqueued as a brand new task.
func (b *Broker) EnqueueDownloadURLs(items []Item) (*RemoteTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.activeLocked()
	if s == nil {
		return nil, ErrNoActiveSession
	}

	var pending, running *RemoteTask
	existingKeys := make(map[string]bool)
	for _, t := range s.tasks {
		if t.Type != TaskTypeDownloadURLs {
			continue
		}
		switch t.Status {
		case TaskPending:
			if pending == nil {
				pending = t
			}
		case TaskRunning:
			if running == nil {
				running = t
			}
		default:
			continue
		}
		for _, it := range itemsOf(t) {
			existingKeys[it.key()] = true
		}
	}

	fresh := make([]Item, 0, len(items))
	for _, it := range items {
		if !existingKeys[it.key()] {
			fresh = append(fresh, it)
		}
	}

	if len(fresh) == 0 {
		if pending != nil {
			return pending, nil
		}
		if running != nil {
			return running, nil
		}
	}

	if pending != nil {
		appendItems(pending, fresh)
		pending.UpdatedAt = time.Now()
		return pending, nil
	}

	freshAny := make([]any, len(fresh))
	for i, it := range fresh {
		freshAny[i] = it
	}
	return b.enqueueLocked(s, TaskTypeDownloadURLs, map[string]any{"items": freshAny}), nil
}

func itemsOf(t *RemoteTask) []Item {
	raw, _ := t.Payload["items"].([]any)
	out := make([]Item, 0, len(raw))
	for _, v := range raw {
		switch m := v.(type) {
		case Item:
			out = append(out, m)
		case map[string]any:
			out = append(out, Item(m))
		}
	}
	return out
}

func appendItems(t *RemoteTask, items []Item) {
	existing, _ := t.Payload["items"].([]any)
	for _, it := range items {
		existing = append(existing, it)
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	t.Payload["items"] = existing
}
