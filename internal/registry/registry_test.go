package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remaster/internal/models"
)

func newJob(id string) models.Job {
	return models.Job{ID: id, Input: id + ".jpg", MediaKind: models.MediaImage, ModelID: "esrgan", Scale: 2}
}

func TestCreateAndGet(t *testing.T) {
	r := New()

	job, err := r.Create(newJob("a"))
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, job.State)
	assert.False(t, job.SubmittedAt.IsZero())

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = r.Create(newJob("a"))
	assert.ErrorIs(t, err, models.ErrDuplicateJob)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	active, completed := r.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, completed)
}

func TestCreateResetsRunnerOwnedFields(t *testing.T) {
	r := New()
	in := newJob("a")
	in.State = models.StateCompleted
	in.Output = "x.jpg"
	in.Error = "nope"

	job, err := r.Create(in)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, job.State)
	assert.Empty(t, job.Output)
	assert.Empty(t, job.Error)
}

func TestTransitionCompleted(t *testing.T) {
	r := New()
	_, err := r.Create(newJob("a"))
	require.NoError(t, err)

	job, err := r.Transition("a", models.StateProcessing, Update{})
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, job.State)
	require.NotNil(t, job.StartedAt)

	job, err = r.Transition("a", models.StateCompleted, Update{Output: "out.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "out.jpg", job.Output)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.FinishedAt)

	active, completed := r.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, completed)

	first, err := r.Get("a")
	require.NoError(t, err)
	second, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTransitionRules(t *testing.T) {
	r := New()
	_, err := r.Create(newJob("a"))
	require.NoError(t, err)

	_, err = r.Transition("a", models.StateCompleted, Update{Output: "o"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "queued cannot skip processing")

	_, err = r.Transition("a", models.StateProcessing, Update{})
	require.NoError(t, err)

	_, err = r.Transition("a", models.StateCompleted, Update{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed requires output")

	_, err = r.Transition("a", models.StateFailed, Update{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "failed requires error")

	job, err := r.Transition("a", models.StateFailed, Update{Error: "boom", Output: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "boom", job.Error)
	assert.Empty(t, job.Output)

	_, err = r.Transition("a", models.StateProcessing, Update{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "terminal states are final")

	_, err = r.Transition("missing", models.StateProcessing, Update{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListOrdersNewestFirst(t *testing.T) {
	r := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		j := newJob(id)
		j.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := r.Create(j)
		require.NoError(t, err)
	}
	_, err := r.Transition("mid", models.StateProcessing, Update{})
	require.NoError(t, err)
	_, err = r.Transition("mid", models.StateCompleted, Update{Output: "o"})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, models.StateCompleted, list[1].State)
	assert.Equal(t, "old", list[2].ID)
}

func TestWait(t *testing.T) {
	r := New()
	_, err := r.Create(newJob("a"))
	require.NoError(t, err)

	go func() {
		_, _ = r.Transition("a", models.StateProcessing, Update{})
		_, _ = r.Transition("a", models.StateFailed, Update{Error: "boom"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := r.Wait(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)

	_, err = r.Wait(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.Create(newJob("b"))
	require.NoError(t, err)
	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = r.Wait(short, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPurge(t *testing.T) {
	r := New()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	for _, id := range []string{"done", "running"} {
		_, err := r.Create(newJob(id))
		require.NoError(t, err)
		_, err = r.Transition(id, models.StateProcessing, Update{})
		require.NoError(t, err)
	}
	_, err := r.Transition("done", models.StateCompleted, Update{Output: "o"})
	require.NoError(t, err)

	assert.Equal(t, 0, r.Purge(clock))
	assert.Equal(t, 1, r.Purge(clock.Add(time.Second)))

	_, err = r.Get("done")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.Get("running")
	assert.NoError(t, err)

	// Purged ids stay reserved.
	_, err = r.Create(newJob("done"))
	assert.ErrorIs(t, err, models.ErrDuplicateJob)
}

func TestConcurrentAccessNeverTorn(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		_, err := r.Create(newJob(id))
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _ = r.Transition(id, models.StateProcessing, Update{})
			if i%2 == 0 {
				_, _ = r.Transition(id, models.StateCompleted, Update{Output: id + ".out"})
			} else {
				_, _ = r.Transition(id, models.StateFailed, Update{Error: "boom"})
			}
		}(i, id)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, job := range r.List() {
					assertConsistent(t, job)
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	active, completed := r.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, n, completed)
}

func assertConsistent(t *testing.T, job models.Job) {
	t.Helper()
	switch job.State {
	case models.StateQueued, models.StateProcessing:
		assert.Empty(t, job.Output)
		assert.Empty(t, job.Error)
	case models.StateCompleted:
		assert.NotEmpty(t, job.Output)
		assert.Empty(t, job.Error)
	case models.StateFailed:
		assert.Empty(t, job.Output)
		assert.NotEmpty(t, job.Error)
	default:
		t.Errorf("unexpected state %q", job.State)
	}
}
