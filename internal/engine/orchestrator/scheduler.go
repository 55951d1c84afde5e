package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/syncjob"
)

// dueBatch caps the schedules fired per tick.
const dueBatch = 100

// Scheduler fires recurring schedules. A schedule that missed several
// cadences while the scheduler was down fires once and resumes from now.
type Scheduler struct {
	schedules syncjob.ScheduleRepository
	svc       *Service
	tick      time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewScheduler(schedules syncjob.ScheduleRepository, svc *Service, tick time.Duration, logger zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Scheduler{
		schedules: schedules,
		svc:       svc,
		tick:      tick,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
	}
}

// Run fires due schedules every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick creates one job for every due schedule and returns how many were
// created. A schedule whose job cannot be created still advances, so a
// broken connection does not fire on every tick.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.schedules.Due(ctx, now, dueBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list due schedules")
		return 0
	}
	created := 0
	for _, sched := range due {
		jobID := uuid.Nil
		req := JobRequest{
			Type:         sched.Type,
			Direction:    sched.Direction,
			Priority:     sched.Priority,
			ConnectionID: sched.ConnectionID,
			Scope:        sched.Scope,
		}
		job, err := s.svc.create(ctx, req, 1, nil, &sched.ID)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("schedule_id", sched.ID.String()).
				Str("connection_id", sched.ConnectionID.String()).
				Msg("scheduled job not created")
		} else {
			jobID = job.ID
			created++
		}

		if err := s.schedules.MarkRun(ctx, sched.ID, jobID, now, nextRun(sched, now)); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("failed to advance schedule")
		}
	}
	return created
}

func nextRun(sched *syncjob.Schedule, now time.Time) time.Time {
	interval := sched.Interval
	if interval <= 0 {
		interval, _ = time.ParseDuration(sched.Cadence)
	}
	if interval <= 0 {
		interval = time.Hour
	}
	next := sched.NextRunAt.Add(interval)
	if !next.After(now) {
		next = now.Add(interval)
	}
	return next
}
