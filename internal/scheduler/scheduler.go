package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/servana/internal/clock"
	hostedsessionservice "github.com/smallbiznis/servana/internal/hostedsession/service"
	obsmetrics "github.com/smallbiznis/servana/internal/observability/metrics"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	"github.com/smallbiznis/servana/internal/queue"
	"github.com/smallbiznis/servana/internal/replay"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	ReplaySvc  *replay.Service
	SessionSvc *hostedsessionservice.Service
	Queue      queue.ReplayQueue
	Locker     *Locker `optional:"true"`
	Config     Config  `optional:"true"`
}

// Scheduler drives the reconciliation background jobs: draining the replay
// queue, replaying flagged ledger events, and sweeping hosted sessions.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	replaySvc  *replay.Service
	sessionSvc *hostedsessionservice.Service
	queue      queue.ReplayQueue
	locker     *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.ReplaySvc == nil || p.SessionSvc == nil || p.Queue == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		clock:      p.Clock,
		replaySvc:  p.ReplaySvc,
		sessionSvc: p.SessionSvc,
		queue:      p.Queue,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	m := obsmetrics.Reconciliation()
	m.IncJobRun(name)

	err := fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	m.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	token, ok, err := s.locker.TryLock(parent, runLockKey, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("another worker holds the run lock, skipping")
		return nil
	}
	defer func() {
		if relErr := s.locker.Release(parent, runLockKey, token); relErr != nil {
			s.log.Warn("run lock release failed", zap.Error(relErr))
		}
	}()

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"replay_pending", s.isJobEnabled("replay_pending"), func(ctx context.Context) error {
			return s.runJob(ctx, "replay_pending", s.cfg.JobTimeout, s.ReplayPendingJob)
		}},
		{"recovery_sweep", s.isJobEnabled("recovery_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "recovery_sweep", s.cfg.JobTimeout, s.RecoverySweepJob)
		}},
	}

	var runErr error
	for _, job := range jobs {
		if job.Enabled {
			runErr = errors.Join(runErr, job.Run(parent))
		}
	}
	return runErr
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs runs everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReplayPendingJob drains queued event ids first, then sweeps whatever still
// carries the replay_requested flag. Queue entries whose event is gone or at
// its attempt bound are dropped, not retried.
func (s *Scheduler) ReplayPendingJob(ctx context.Context) error {
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		eventID, ok, err := s.queue.Dequeue(ctx, s.cfg.QueueDrainWait)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}
		if !ok {
			break
		}
		if err := s.replaySvc.ReplaySingle(ctx, eventID, false); err != nil {
			if errors.Is(err, processoreventdomain.ErrEventNotFound) || errors.Is(err, replay.ErrReplayLimitExceeded) {
				s.log.Debug("dropping queued replay",
					zap.String("event_id", eventID.String()),
					zap.Error(err),
				)
				continue
			}
			s.log.Warn("queued replay failed",
				zap.String("event_id", eventID.String()),
				zap.Error(err),
			)
		}
	}

	if _, err := s.replaySvc.ProcessPending(ctx, 0, ""); err != nil {
		jobErr = errors.Join(jobErr, err)
	}
	return jobErr
}

func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	_, err := s.sessionSvc.Sweep(ctx, hostedsessionservice.SweepInput{
		TriggeredBy: "scheduler",
	})
	return err
}
