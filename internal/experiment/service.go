package experiment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullsend/fabric/internal/store"
)

// ScheduleStore lists runnable experiments and their schedules.
type ScheduleStore interface {
	ActiveExperiments(ctx context.Context) ([]store.Experiment, error)
	Schedule(ctx context.Context, experimentID string) (store.Schedule, error)
}

// Service is the executor loop: every tick it checks each active
// experiment's schedule and runs the ones that came due since the
// previous tick.
type Service struct {
	schedules ScheduleStore
	runner    *Runner
	tick      time.Duration
	now       func() time.Time
	lastTick  time.Time
}

// NewService builds the executor loop.
func NewService(schedules ScheduleStore, runner *Runner, tick time.Duration) *Service {
	return &Service{schedules: schedules, runner: runner, tick: tick, now: time.Now}
}

// Run drives the scheduler until ctx ends. Runs happen inline on the
// tick goroutine; one slow tool delays later schedules rather than
// stacking concurrent runs of the same experiment.
func (s *Service) Run(ctx context.Context) {
	s.lastTick = s.now()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	log.Info().Dur("tick", s.tick).Msg("executor running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one schedule sweep.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	last := s.lastTick
	s.lastTick = now

	exps, err := s.schedules.ActiveExperiments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list experiments for scheduling")
		return
	}
	for _, exp := range exps {
		sched, err := s.schedules.Schedule(ctx, exp.ID)
		if err != nil {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("failed to load schedule")
			continue
		}
		due, err := Due(sched, last, now)
		if err != nil {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("unusable schedule")
			continue
		}
		if !due {
			continue
		}
		log.Info().Str("experiment_id", exp.ID).Str("cron", sched.Cron).Msg("experiment due")
		if err := s.runner.Run(ctx, exp.ID); err != nil {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("experiment run refused")
		}
	}
}
