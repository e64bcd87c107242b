package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"remaster/internal/models"
)

// Registry stores job records in memory, split into an active partition
// (queued, processing) and a completed partition (completed, failed).
// All access goes through one lock and callers only ever receive copies.
type Registry struct {
	mu        sync.RWMutex
	active    map[string]models.Job
	completed map[string]models.Job
	done      map[string]chan struct{}
	// seen outlives Purge so an id is never reused by the process.
	seen map[string]struct{}
	now  func() time.Time
}

// Update carries the fields a transition may set.
type Update struct {
	Output       string
	PublishedURL string
	Error        string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		active:    make(map[string]models.Job),
		completed: make(map[string]models.Job),
		done:      make(map[string]chan struct{}),
		seen:      make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts job into the active partition in the queued state.
func (r *Registry) Create(job models.Job) (models.Job, error) {
	if job.ID == "" {
		return models.Job{}, fmt.Errorf("%w: job id is required", models.ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[job.ID]; ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrDuplicateJob, job.ID)
	}
	job.State = models.StateQueued
	job.Output = ""
	job.PublishedURL = ""
	job.Error = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = r.now()
	}
	r.active[job.ID] = job
	r.done[job.ID] = make(chan struct{})
	r.seen[job.ID] = struct{}{}
	return job, nil
}

// Get returns the record from whichever partition holds it.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(id)
}

func (r *Registry) lookup(id string) (models.Job, error) {
	if job, ok := r.active[id]; ok {
		return job, nil
	}
	if job, ok := r.completed[id]; ok {
		return job, nil
	}
	return models.Job{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
}

// Transition moves a job along the state machine and applies u. Entering a
// terminal state moves the record to the completed partition.
func (r *Registry) Transition(id string, to models.State, u Update) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		if _, err := r.lookup(id); err != nil {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("%w: job %s is already terminal", models.ErrInvalidTransition, id)
	}
	if !models.CanTransition(job.State, to) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, job.State, to)
	}

	now := r.now()
	switch to {
	case models.StateProcessing:
		job.StartedAt = &now
	case models.StateCompleted:
		if u.Output == "" {
			return models.Job{}, fmt.Errorf("%w: completed job needs an output", models.ErrInvalidTransition)
		}
		job.Output = u.Output
		job.PublishedURL = u.PublishedURL
		job.FinishedAt = &now
	case models.StateFailed:
		if u.Error == "" {
			return models.Job{}, fmt.Errorf("%w: failed job needs an error", models.ErrInvalidTransition)
		}
		job.Error = u.Error
		job.FinishedAt = &now
	}
	job.State = to

	if to.IsTerminal() {
		delete(r.active, id)
		r.completed[id] = job
		close(r.done[id])
	} else {
		r.active[id] = job
	}
	return job, nil
}

// List returns every known job, newest submission first.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	out := make([]models.Job, 0, len(r.active)+len(r.completed))
	for _, job := range r.active {
		out = append(out, job)
	}
	for _, job := range r.completed {
		out = append(out, job)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (models.Job, error) {
	r.mu.RLock()
	ch, ok := r.done[id]
	r.mu.RUnlock()
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	select {
	case <-ch:
		return r.Get(id)
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}

// Purge drops terminal records that finished before cutoff and returns how
// many were removed.
func (r *Registry) Purge(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, job := range r.completed {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(r.completed, id)
			delete(r.done, id)
			n++
		}
	}
	return n
}

// Counts reports the size of both partitions.
func (r *Registry) Counts() (active, completed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), len(r.completed)
}
