package dropwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	// retryBackoffBase and retryBackoffCap bound the delay between attempts
	// of a transiently failed cycle.
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = time.Hour
)

// ticket is one unit of work for the worker pool: an ordered run of target
// dates for a single job. Days within a ticket execute sequentially, oldest
// first, because each day's snapshot is the next day's baseline. Tickets for
// different jobs run concurrently.
type ticket struct {
	job  Job
	days []Date
}

// Scheduler drives the pipeline: cron triggers and startup catch-up produce
// tickets, a fixed worker pool consumes them, and every consumed target date
// leaves an append-only run record.
type Scheduler struct {
	cfg     Config
	store   Store
	coord   *Coordinator
	logger  *slog.Logger
	metrics *Metrics
}

// NewScheduler wires a scheduler over the coordinator.
func NewScheduler(cfg Config, store Store, coord *Coordinator, logger *slog.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		coord:   coord,
		logger:  logger,
		metrics: metrics,
	}
}

// Start runs the scheduler until ctx is canceled. It loads the enabled jobs
// once, enqueues catch-up work for days missed while the process was down,
// then hands off to cron. Jobs with an unparseable schedule are logged and
// skipped, never fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListEnabledJobs(ctx)
	if err != nil {
		return err
	}

	tickets := make(chan ticket, 4*s.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for t := range tickets {
				if err := s.runTicket(gctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(tickets)

		enqueue := func(t ticket) bool {
			select {
			case tickets <- t:
				return true
			case <-gctx.Done():
				return false
			}
		}

		c := cron.New(cron.WithLocation(time.UTC))
		scheduled := 0
		for _, job := range jobs {
			if _, perr := cron.ParseStandard(job.Schedule); perr != nil {
				s.logger.Warn("skipping job with invalid schedule",
					"job_id", job.ID, "tld", job.TLD, "schedule", job.Schedule,
					"error", perr.Error())
				continue
			}
			job := job
			_, _ = c.AddFunc(job.Schedule, func() {
				enqueue(ticket{job: job, days: []Date{Today()}})
			})
			scheduled++
		}
		s.logger.Info("scheduler started",
			"jobs", scheduled, "workers", s.cfg.Workers,
			"catchup_horizon_days", s.cfg.CatchupHorizon)

		s.enqueueCatchup(gctx, jobs, enqueue)

		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	return g.Wait()
}

// enqueueCatchup emits one ticket per job covering the target dates missed
// while the process was down, bounded by the configured horizon.
func (s *Scheduler) enqueueCatchup(ctx context.Context, jobs []Job, enqueue func(ticket) bool) {
	today := Today()
	for _, job := range jobs {
		last, ok, err := s.store.LastSuccessDate(ctx, job.TLD, job.Kind)
		if err != nil {
			s.logger.Warn("catch-up lookup failed",
				"tld", job.TLD, "kind", string(job.Kind), "error", err.Error())
			continue
		}

		start := today
		if ok {
			start = last.AddDays(1)
			if horizon := today.AddDays(-s.cfg.CatchupHorizon); start.Before(horizon) {
				start = horizon
			}
		}

		var days []Date
		for d := start; !d.After(today); d = d.AddDays(1) {
			days = append(days, d)
		}
		if len(days) == 0 {
			continue
		}
		if len(days) > 1 {
			s.logger.Info("catch-up queued",
				"tld", job.TLD, "kind", string(job.Kind),
				"from", days[0].String(), "to", days[len(days)-1].String(),
				"days", len(days))
		}
		if !enqueue(ticket{job: job, days: days}) {
			return
		}
	}
}

// CatchupOnce backfills missed days for every enabled job and returns when
// the backlog is drained. Used by the one-shot catch-up subcommand.
func (s *Scheduler) CatchupOnce(ctx context.Context) error {
	jobs, err := s.store.ListEnabledJobs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	s.enqueueCatchup(gctx, jobs, func(t ticket) bool {
		g.Go(func() error {
			return s.runTicket(gctx, t)
		})
		return gctx.Err() == nil
	})
	return g.Wait()
}

// RunOnce executes a single (tld, day, kind) unit through the same lifecycle
// as a scheduled ticket. Used by the one-shot subcommands.
func (s *Scheduler) RunOnce(ctx context.Context, job Job, day Date) error {
	return s.runTicket(ctx, ticket{job: job, days: []Date{day}})
}

// runTicket executes a ticket's days in order. A failed or timed-out day
// aborts the remaining days: running day D+1 without day D's snapshot would
// record a baseline-less zero-drop success and permanently mask D+1's drops.
// The returned error is only ever a store failure; cycle failures are
// recorded in the run outcome.
func (s *Scheduler) runTicket(ctx context.Context, t ticket) error {
	for i, day := range t.days {
		outcome, err := s.runDay(ctx, t.job, day)
		if err != nil {
			return err
		}
		if outcome == OutcomeFailed || outcome == OutcomeTimedOut {
			if rest := len(t.days) - 1 - i; rest > 0 {
				s.logger.Warn("aborting remaining catch-up days",
					"tld", t.job.TLD, "failed_date", day.String(), "remaining", rest)
			}
			return nil
		}
	}
	return nil
}

// runDay executes one (tld, day, kind) cycle with retry, timeout and run
// accounting.
func (s *Scheduler) runDay(ctx context.Context, job Job, day Date) (Outcome, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.CycleTimeout
	}
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	run := JobRun{
		ID:         uuid.New(),
		JobID:      job.ID,
		TLD:        job.TLD,
		TargetDate: day,
		Kind:       job.Kind,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateJobRun(ctx, run); err != nil {
		return "", err
	}

	var (
		res      CycleResult
		cycleErr error
		timedOut bool
	)
	for attempt := 0; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		res, cycleErr = s.coord.RunCycle(runCtx, job.TLD, day, job.Kind)
		timedOut = cycleErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
		cancel()

		if cycleErr == nil || errors.Is(cycleErr, ErrLeaseHeld) || timedOut {
			break
		}
		if ctx.Err() != nil || !Retryable(cycleErr) || attempt >= maxRetries {
			break
		}

		delay := backoffDelay(retryBackoffBase, retryBackoffCap, attempt)
		s.logger.Warn("cycle failed, retrying",
			"tld", job.TLD, "target_date", day.String(),
			"attempt", attempt+1, "max_retries", maxRetries,
			"delay", delay.String(), "error", cycleErr.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	run.FinishedAt = time.Now().UTC()
	run.Stats = res.Stats
	switch {
	case cycleErr == nil:
		run.Outcome = OutcomeSuccess
	case errors.Is(cycleErr, ErrLeaseHeld):
		run.Outcome = OutcomeSkipped
	case timedOut:
		run.Outcome = OutcomeTimedOut
		run.ErrorClass = KindOf(cycleErr).String()
		run.ErrorMsg = cycleErr.Error()
	default:
		run.Outcome = OutcomeFailed
		run.ErrorClass = KindOf(cycleErr).String()
		run.ErrorMsg = cycleErr.Error()
	}

	// Record the terminal state even when shutting down.
	if err := s.store.FinishJobRun(context.WithoutCancel(ctx), run); err != nil {
		return run.Outcome, err
	}

	duration := run.FinishedAt.Sub(run.StartedAt)
	s.metrics.ObserveJobRun(string(run.Outcome), job.TLD, duration)

	attrs := []any{
		"run_id", run.ID.String(),
		"tld", job.TLD,
		"target_date", day.String(),
		"kind", string(job.Kind),
		"outcome", string(run.Outcome),
		"duration_ms", duration.Milliseconds(),
		"bytes_downloaded", run.Stats.BytesDownloaded,
		"labels_parsed", run.Stats.LabelsParsed,
		"drops_detected", run.Stats.DropsDetected,
		"drops_inserted", run.Stats.DropsInserted,
	}
	if run.ErrorClass != "" {
		attrs = append(attrs, "error_class", run.ErrorClass, "error", run.ErrorMsg)
	}
	switch run.Outcome {
	case OutcomeSuccess, OutcomeSkipped:
		s.logger.Info("cycle finished", attrs...)
	default:
		s.logger.Error("cycle finished", attrs...)
	}
	return run.Outcome, nil
}
