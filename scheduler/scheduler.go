/*
scheduler.go - Periodic full replay

PURPOSE:
  Keeps every item's execution log current without waiting for an edit.
  Useful after bulk imports that write transactions straight to the store,
  and after pricing configuration changes.

DESIGN:
  - cron schedule with a seconds field (e.g. "0 0/5 * * * *", "@every 1m")
  - One job at a time: a run that is still going when the next tick fires
    is skipped, not queued
  - Per-item failures are logged and counted, never fatal

USAGE:
  s := scheduler.New(logger)
  s.AddJob(cfg.ReplaySchedule, scheduler.NewReplayJob(svc, 10*time.Minute, logger))
  s.Start()
  defer s.Stop()

SEE ALSO:
  - ledger/service.go: ReplayAll
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/trade-ledger/ledger"
	"github.com/warp/trade-ledger/metrics"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job under a cron schedule with a seconds field.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("job completed")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("job registered")
	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run()
}

// =============================================================================
// REPLAY JOB
// =============================================================================

// Replayer is the part of the ledger service the job needs.
type Replayer interface {
	ReplayAll(ctx context.Context) ([]ledger.ReplayReport, error)
}

// ReplayJob replays every item.
type ReplayJob struct {
	svc     Replayer
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewReplayJob creates a job; each run is bounded by timeout when positive.
func NewReplayJob(svc Replayer, timeout time.Duration, log zerolog.Logger) *ReplayJob {
	return &ReplayJob{
		svc:     svc,
		timeout: timeout,
		log:     log.With().Str("job", "replay_all").Logger(),
	}
}

func (j *ReplayJob) Name() string { return "replay_all" }

func (j *ReplayJob) Run() error {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	reports, err := j.svc.ReplayAll(ctx)

	var applied, failed int
	for _, r := range reports {
		applied += r.Applied
		if r.Err != nil {
			failed++
			j.log.Warn().Err(r.Err).Int64("item", int64(r.Item)).Msg("item replay failed")
		}
	}

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	outcome := metrics.OutcomeOK
	if err != nil || failed > 0 {
		outcome = metrics.OutcomeError
	}
	metrics.ScheduledRuns.WithLabelValues(outcome).Inc()

	j.log.Info().
		Int("items", len(reports)).
		Int("applied", applied).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("replay run finished")
	return err
}

// LastRun returns when the job last ran and how it ended.
func (j *ReplayJob) LastRun() (time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastErr
}
