package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnableSessionReturnsUsableKey(t *testing.T) {
	b := New(time.Hour)
	key, err := b.EnableSession()
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.True(t, b.ValidateKey(key))
	assert.False(t, b.ValidateKey("wrong-key"))
}

func TestEndSessionClearsState(t *testing.T) {
	b := New(time.Hour)
	key, err := b.EnableSession()
	require.NoError(t, err)
	b.EndSession()
	assert.False(t, b.ValidateKey(key))
	assert.False(t, b.Active())
}

func TestValidateKeyFalseAfterExpiry(t *testing.T) {
	b := New(10 * time.Millisecond)
	key, err := b.EnableSession()
	require.NoError(t, err)
	assert.True(t, b.ValidateKey(key))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.ValidateKey(key))
}

func TestEnableSessionDiscardsPriorTasks(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)
	_, err = b.EnqueueTask(TaskType("PROBE"), map[string]any{})
	require.NoError(t, err)

	_, err = b.EnableSession()
	require.NoError(t, err)
	tasks, err := b.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestNextTaskReturnsImmediatelyWhenPending(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)
	created, err := b.EnqueueTask(TaskType("PROBE"), map[string]any{"x": 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.NextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, TaskRunning, got.Status)
}

func TestNextTaskWakesOnEnqueue(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)

	resultCh := make(chan *RemoteTask, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task, _ := b.NextTask(ctx)
		resultCh <- task
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = b.EnqueueTask(TaskType("PROBE"), nil)
	require.NoError(t, err)

	select {
	case task := <-resultCh:
		require.NotNil(t, task)
	case <-time.After(4 * time.Second):
		t.Fatal("NextTask never woke on enqueue")
	}
}

func TestNextTaskReturnsNilAfterTimeoutWithNothingPending(t *testing.T) {
	b := New(time.Hour)
	b.PollTimeout = 100 * time.Millisecond
	_, err := b.EnableSession()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := b.NextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestProgressMergesItemsStatusPerKey(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)
	task, err := b.EnqueueTask(TaskType("PROBE"), nil)
	require.NoError(t, err)

	err = b.Progress(ProgressUpdate{TaskID: task.ID, Meta: map[string]any{
		"items_status": map[string]any{"a": "downloading", "b": "queued"},
	}})
	require.NoError(t, err)

	err = b.Progress(ProgressUpdate{TaskID: task.ID, Meta: map[string]any{
		"items_status": map[string]any{"a": "done"},
	}})
	require.NoError(t, err)

	tasks, err := b.ListTasks()
	require.NoError(t, err)
	status := tasks[0].Meta["items_status"].(map[string]any)
	assert.Equal(t, "done", status["a"])
	assert.Equal(t, "queued", status["b"])
}

func TestProgressDiscardedAfterCancelUnlessAlsoCancelled(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)
	task, err := b.EnqueueTask(TaskType("PROBE"), nil)
	require.NoError(t, err)

	require.NoError(t, b.CancelTask(task.ID))

	running := TaskRunning
	msg := "agent still reporting"
	err = b.Progress(ProgressUpdate{TaskID: task.ID, Status: &running, Message: &msg})
	require.NoError(t, err)

	tasks, err := b.ListTasks()
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, tasks[0].Status)
	assert.Empty(t, tasks[0].Message)

	cancelled := TaskCancelled
	err = b.Progress(ProgressUpdate{TaskID: task.ID, Status: &cancelled, Message: &msg})
	require.NoError(t, err)
	tasks, _ = b.ListTasks()
	assert.Equal(t, msg, tasks[0].Message)
}

func TestEnqueueDownloadURLsDedupesAgainstPendingTask(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)

	first, err := b.EnqueueDownloadURLs([]Item{{"relpath": "a.bin", "url": "http://x/a"}})
	require.NoError(t, err)

	second, err := b.EnqueueDownloadURLs([]Item{
		{"relpath": "a.bin", "url": "http://x/a"},
		{"relpath": "b.bin", "url": "http://x/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	items := second.Payload["items"].([]any)
	assert.Len(t, items, 2)
}

func TestEnqueueDownloadURLsReturnsExistingWhenFullyRedundant(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)

	first, err := b.EnqueueDownloadURLs([]Item{{"relpath": "a.bin"}})
	require.NoError(t, err)

	second, err := b.EnqueueDownloadURLs([]Item{{"relpath": "a.bin"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnqueueDownloadURLsSpawnsFollowUpWhenOnlyRunningExists(t *testing.T) {
	b := New(time.Hour)
	_, err := b.EnableSession()
	require.NoError(t, err)

	first, err := b.EnqueueDownloadURLs([]Item{{"relpath": "a.bin"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = b.NextTask(ctx) // marks `first` running
	require.NoError(t, err)

	second, err := b.EnqueueDownloadURLs([]Item{{"relpath": "a.bin"}, {"relpath": "b.bin"}})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, TaskPending, second.Status)

	items := second.Payload["items"].([]any)
	assert.Len(t, items, 1)
}

func TestRegisterAgentAndHeartbeatRequireActiveSession(t *testing.T) {
	b := New(time.Hour)
	err := b.RegisterAgent(map[string]any{"name": "agent-1"})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = b.EnableSession()
	require.NoError(t, err)
	require.NoError(t, b.RegisterAgent(map[string]any{"name": "agent-1"}))
	require.NoError(t, b.Heartbeat())
}
