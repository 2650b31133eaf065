// Package sweep schedules and runs the periodic reconciliation pass.
// The schedule and the worker both ride asynq on the shared Redis, so
// any process can execute a tick; the uniqueness window keeps
// overlapping schedulers from stacking duplicate ticks, and the sweep
// itself is idempotent anyway.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
)

const TypeReconcile = "rooms:reconcile"

type Sweeper struct {
	svc       *app.Service
	server    *asynq.Server
	scheduler *asynq.Scheduler
	interval  time.Duration
}

func New(redisOpt asynq.RedisClientOpt, svc *app.Service, interval time.Duration) *Sweeper {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("module", "sweep").Str("task", task.Type()).Msg("task failed")
		}),
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	return &Sweeper{svc: svc, server: server, scheduler: scheduler, interval: interval}
}

// Start launches the worker and the scheduler. Both run until Shutdown.
func (s *Sweeper) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReconcile, s.handleReconcile)

	spec := "@every " + s.interval.String()
	_, err := s.scheduler.Register(spec, asynq.NewTask(TypeReconcile, nil),
		asynq.Unique(s.interval),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return err
	}

	if err := s.server.Start(mux); err != nil {
		return err
	}
	go func() {
		if err := s.scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			log.Error().Err(err).Str("module", "sweep").Msg("scheduler stopped")
		}
	}()
	log.Info().Str("module", "sweep").Str("interval", s.interval.String()).Msg("reconciliation sweeper started")
	return nil
}

func (s *Sweeper) handleReconcile(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()
	if err := s.svc.Reconcile(ctx); err != nil {
		// Report for retry accounting but do not escalate: the next
		// scheduled tick runs regardless.
		return err
	}
	log.Debug().Str("module", "sweep").Dur("took", time.Since(start)).Msg("sweep complete")
	return nil
}

func (s *Sweeper) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
	log.Info().Str("module", "sweep").Msg("sweeper shut down")
}
