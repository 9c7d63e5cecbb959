package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restorapi/results"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()
	created, err := r.Create("t1", func(t *Task) {
		t.FileType = results.Image
		t.ModelKey = "denoise_b"
		t.Status = StatusCompleted // ignored
		t.ResultPath = "x"         // ignored
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Empty(t, created.ResultPath)
	assert.Equal(t, "denoise_b", created.ModelKey)

	got, err := r.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = r.Create("t1", nil)
	assert.ErrorIs(t, err, ErrExists)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Update("missing", func(*Task) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ProgressIsMonotonic(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("t1", nil)
	require.NoError(t, err)

	set := func(p int) Task {
		tk, err := r.Update("t1", func(t *Task) {
			t.Status = StatusProcessing
			t.Progress = p
		})
		require.NoError(t, err)
		return tk
	}

	assert.Equal(t, 0, set(0).Progress)
	assert.NotNil(t, set(0).StartedAt)
	assert.Equal(t, 40, set(40).Progress)
	assert.Equal(t, 40, set(10).Progress, "progress must not go back")
	assert.Equal(t, 100, set(250).Progress, "progress is clamped")
	assert.Equal(t, 100, set(-5).Progress)
}

func TestRegistry_TerminalStatesAreFinal(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("t1", nil)
	require.NoError(t, err)

	done, err := r.Update("t1", func(t *Task) {
		t.Status = StatusCompleted
		t.ResultPath = "images/denoise/processed/a.jpg"
		t.Error = "should be dropped"
	})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "images/denoise/processed/a.jpg", done.ResultPath)
	assert.Empty(t, done.Error)
	assert.NotNil(t, done.CompletedAt)

	_, err = r.Update("t1", func(t *Task) { t.Status = StatusFailed })
	assert.ErrorIs(t, err, ErrFinished)

	got, _ := r.Get("t1")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRegistry_FieldsFollowStatus(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("t1", nil)
	require.NoError(t, err)

	tk, err := r.Update("t1", func(t *Task) {
		t.Status = StatusProcessing
		t.ResultPath = "too early"
	})
	require.NoError(t, err)
	assert.Empty(t, tk.ResultPath)

	_, err = r.Update("t1", func(t *Task) { t.Status = StatusPending })
	assert.Error(t, err, "processing cannot go back to pending")

	tk, err = r.Update("t1", func(t *Task) {
		t.Status = StatusFailed
		t.Error = "boom"
		t.ResultPath = "never"
	})
	require.NoError(t, err)
	assert.Equal(t, "boom", tk.Error)
	assert.Empty(t, tk.ResultPath)
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	const n = 20
	for i := 0; i < n; i++ {
		_, err := r.Create(fmt.Sprintf("t%d", i), nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for p := 1; p <= 100; p += 33 {
			wg.Add(1)
			go func(id string, p int) {
				defer wg.Done()
				_, err := r.Update(id, func(t *Task) {
					t.Status = StatusProcessing
					t.Progress = p
				})
				assert.NoError(t, err)
			}(fmt.Sprintf("t%d", i), p)
		}
	}
	wg.Wait()

	tasks := r.List()
	require.Len(t, tasks, n)
	for _, tk := range tasks {
		assert.Equal(t, 100, tk.Progress, tk.ID)
	}
}

func TestTask_JSONOmitsUnsetTimes(t *testing.T) {
	r := NewRegistry()
	pending, err := r.Create("t1", nil)
	require.NoError(t, err)

	data, err := json.Marshal(pending)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "startedAt")
	assert.NotContains(t, string(data), "completedAt")

	running, err := r.Update("t1", func(t *Task) { t.Status = StatusProcessing })
	require.NoError(t, err)
	data, err = json.Marshal(running)
	require.NoError(t, err)
	assert.Contains(t, string(data), "startedAt")
	assert.NotContains(t, string(data), "completedAt")
}
