// Package shadow implements opt-in shadow/canary routing on top of
// VirtualRouter. A RoutePool
// may name a ShadowPoolID; traffic picked from the primary pool is
// mirrored, async and best-effort, into one target from the shadow
// pool so operators can compare a candidate provider's behavior
// against production traffic without affecting the client response.
//
// The traffic-percent/stage model is generalized from a gorm-backed
// deployment table into a bounded worker pool draining a ring buffer,
// since the shadow run's result is never awaited by the client and
// must never apply backpressure to the hot path. The ring buffer
// auto-tunes its size to observed canary volume instead of staying
// fixed, since canary traffic share varies a lot between deployments.
package shadow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/channel"
	"github.com/routecodex/routecodex/internal/pool"
)

// Job is one shadow-run request: run fn in the background, best-effort.
type Job struct {
	ProviderKey string
	Run         func(ctx context.Context)
}

// Runner drains a self-tuning ring buffer through a bounded goroutine
// pool. Submit never blocks the caller: a full buffer drops the job
// rather than stalling the request path.
type Runner struct {
	logger  *zap.Logger
	jobs    *channel.TunableChannel[Job]
	workers *pool.GoroutinePool
	cancel  context.CancelFunc
}

// New starts a Runner with up to `workers` concurrent goroutines and a
// ring buffer seeded at `bufSize` pending jobs.
func New(logger *zap.Logger, workers, bufSize int) *Runner {
	if workers <= 0 {
		workers = 2
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())

	chCfg := channel.DefaultTunableConfig()
	chCfg.InitialSize = bufSize
	chCfg.MaxSize = bufSize * 8

	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.MaxWorkers = workers
	poolCfg.QueueSize = bufSize

	r := &Runner{
		logger:  logger.With(zap.String("component", "shadow-router")),
		jobs:    channel.NewTunableChannel[Job](chCfg),
		workers: pool.NewGoroutinePool(poolCfg),
		cancel:  cancel,
	}
	go r.drain(ctx)
	go r.tuneLoop(ctx, chCfg.SampleWindow)
	return r
}

func (r *Runner) drain(ctx context.Context) {
	for {
		job, err := r.jobs.Receive(ctx)
		if err != nil {
			return
		}
		if err := r.workers.Submit(ctx, func(ctx context.Context) error {
			r.run(ctx, job)
			return nil
		}); err != nil {
			r.logger.Debug("shadow job dropped: worker pool full", zap.String("provider_key", job.ProviderKey))
		}
	}
}

func (r *Runner) tuneLoop(ctx context.Context, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.jobs.Tune()
		}
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("shadow job panicked", zap.Any("recover", rec), zap.String("provider_key", job.ProviderKey))
		}
	}()
	job.Run(ctx)
}

// Submit enqueues a shadow job. If the ring buffer is full, the
// incoming job is dropped (shadow traffic is inherently best-effort;
// it must never compete with live traffic for capacity).
func (r *Runner) Submit(job Job) {
	if !r.jobs.TrySend(job) {
		r.logger.Debug("shadow job dropped: buffer full", zap.String("provider_key", job.ProviderKey))
	}
}

// Close stops the drain loop and worker pool without waiting for
// in-flight jobs to drain past their context — callers that need a
// bound should pass a context with a deadline into each Job's Run.
func (r *Runner) Close() {
	r.cancel()
	r.workers.Close()
	r.jobs.Close()
}
