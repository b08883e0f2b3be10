// Package worker runs the engine's background loops under one errgroup bound to the
// process context.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is either periodic (Interval > 0) or a long-running loop. A periodic job's error is
// logged and the job runs again on the next tick; a loop's error stops the runner.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

func Every(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return Job{Name: name, Interval: interval, Run: fn}
}

func Loop(name string, fn func(ctx context.Context) error) Job {
	return Job{Name: name, Run: fn}
}

type Runner struct {
	jobs []Job
}

func NewRunner(jobs ...Job) *Runner {
	return &Runner{jobs: jobs}
}

func (r *Runner) Add(jobs ...Job) {
	r.jobs = append(r.jobs, jobs...)
}

// Run blocks until ctx is cancelled or a loop job fails.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		job := job
		if job.Interval > 0 {
			g.Go(func() error { return periodic(gctx, job) })
			continue
		}
		g.Go(func() error {
			log.Info().Str("job", job.Name).Msg("worker started")
			if err := job.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker %s: %w", job.Name, err)
			}
			log.Info().Str("job", job.Name).Msg("worker stopped")
			return nil
		})
	}
	return g.Wait()
}

func periodic(ctx context.Context, job Job) error {
	log.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("worker scheduled")
	if job.RunAtStart {
		runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce(ctx, job)
		}
	}
}

func runOnce(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("job", job.Name).Interface("panic", p).Msg("worker run panicked")
		}
	}()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("worker run failed")
		return
	}
	log.Debug().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("worker run finished")
}
