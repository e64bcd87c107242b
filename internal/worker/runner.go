package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"remaster/internal/enhancer"
	"remaster/internal/models"
	"remaster/internal/registry"
	"remaster/internal/telemetry"
)

// Publisher copies a finished artifact somewhere remote and returns its location.
type Publisher interface {
	Publish(ctx context.Context, job models.Job, localPath string) (string, error)
}

// Runner executes submitted jobs in their own goroutine. At most
// `concurrency` of them are inside an enhancer at once; the rest wait for a slot.
type Runner struct {
	reg       *registry.Registry
	logger    zerolog.Logger
	slots     *semaphore.Weighted
	publisher Publisher

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Runner.
type Option func(*runnerOptions)

type runnerOptions struct {
	concurrency int64
	publisher   Publisher
}

// WithConcurrency sets the number of execution slots.
func WithConcurrency(n int) Option {
	return func(o *runnerOptions) {
		if n > 0 {
			o.concurrency = int64(n)
		}
	}
}

// WithPublisher uploads every completed output through p.
func WithPublisher(p Publisher) Option {
	return func(o *runnerOptions) { o.publisher = p }
}

// NewRunner returns a runner that records lifecycle changes in reg.
func NewRunner(reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Runner {
	o := runnerOptions{concurrency: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		reg:       reg,
		logger:    logger.With().Str("component", "runner").Logger(),
		slots:     semaphore.NewWeighted(o.concurrency),
		publisher: o.publisher,
	}
}

// Submit registers job as queued and starts its execution unit. It returns
// as soon as the record exists; the enhancer runs later.
func (r *Runner) Submit(job models.Job, enh enhancer.Enhancer) (string, error) {
	if enh == nil {
		return "", fmt.Errorf("%w: no enhancer for job", models.ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", models.ErrShuttingDown
	}

	created, err := r.reg.Create(job)
	if err != nil {
		return "", err
	}
	telemetry.JobsSubmitted.WithLabelValues(string(created.MediaKind)).Inc()
	telemetry.QueuedGauge.Inc()

	r.wg.Add(1)
	go r.execute(created, enh)
	return created.ID, nil
}

// Shutdown stops accepting jobs and waits for running ones to finish or for
// ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(job models.Job, enh enhancer.Enhancer) {
	defer r.wg.Done()

	// Jobs are never cancelled, so the unit gets its own context.
	ctx := context.Background()
	log := r.logger.With().Str("job_id", job.ID).Str("model", job.ModelID).Logger()

	// Acquire cannot fail on a background context.
	_ = r.slots.Acquire(ctx, 1)
	defer r.slots.Release(1)
	telemetry.QueuedGauge.Dec()

	if _, err := r.reg.Transition(job.ID, models.StateProcessing, registry.Update{}); err != nil {
		log.Error().Err(err).Msg("start job")
		return
	}
	log.Debug().Str("state", string(models.StateProcessing)).Msg("job started")

	telemetry.InFlightGauge.Inc()
	timer := prometheus.NewTimer(telemetry.EnhanceDuration.WithLabelValues(string(job.MediaKind)))
	output, err := r.invoke(ctx, enh, job)
	timer.ObserveDuration()
	telemetry.InFlightGauge.Dec()

	if err != nil {
		r.fail(log, job, err)
		return
	}

	update := registry.Update{Output: output}
	if r.publisher != nil {
		url, perr := r.publisher.Publish(ctx, job, output)
		if perr != nil {
			log.Warn().Err(perr).Str("output", output).Msg("publish failed, keeping local output")
		} else {
			update.PublishedURL = url
		}
	}

	if _, err := r.reg.Transition(job.ID, models.StateCompleted, update); err != nil {
		log.Error().Err(err).Msg("complete job")
		return
	}
	telemetry.JobsCompleted.WithLabelValues(string(job.MediaKind)).Inc()
	log.Info().Str("state", string(models.StateCompleted)).Str("output", output).Msg("job completed")
}

// invoke calls the enhancer and turns a panic into an error.
func (r *Runner) invoke(ctx context.Context, enh enhancer.Enhancer, job models.Job) (output string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msg("enhancer panicked")
			output, err = "", models.Enhancement("panic", fmt.Errorf("%v", p))
		}
	}()

	output, err = enh.Enhance(ctx, enhancer.Request{
		Input:   job.Input,
		Output:  job.Destination,
		ModelID: job.ModelID,
		Scale:   job.Scale,
	})
	if err == nil && output == "" {
		err = models.Enhancement("output", fmt.Errorf("enhancer returned no output path"))
	}
	return output, err
}

func (r *Runner) fail(log zerolog.Logger, job models.Job, cause error) {
	msg := cause.Error()
	if _, err := r.reg.Transition(job.ID, models.StateFailed, registry.Update{Error: msg}); err != nil {
		log.Error().Err(err).Msg("fail job")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(job.MediaKind)).Inc()
	log.Warn().Str("state", string(models.StateFailed)).Err(cause).Dur("elapsed", time.Since(job.SubmittedAt)).Msg("job failed")
}
