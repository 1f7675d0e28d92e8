package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/parallel"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Checked  int
	Changed  int
	Finished int
	Failed   int
}

type swept struct {
	before model.JobStatus
	after  model.Job
}

// Sweep reconciles every unfinished job using at most parallelism queue
// round-trips at once. Jobs the queue cannot answer for are counted as
// failed and left for the next pass. Deferred callbacks fire for samples
// whose job finished.
func (p *Pipeline) Sweep(ctx context.Context, parallelism int) (SweepReport, error) {
	jobs, err := p.samples.UnfinishedJobs(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	reconcile := func(ctx context.Context, job model.Job) (swept, error) {
		after, err := p.reconciler.Reconcile(ctx, job)
		return swept{before: job.Status, after: after}, err
	}

	var report SweepReport
	var finished []model.Job
	for r, err := range parallel.Map(ctx, parallelism, slices.Values(jobs), reconcile) {
		report.Checked++
		if err != nil {
			report.Failed++
			slog.WarnContext(ctx, "reconciliation failed", "error", err)
			continue
		}
		if r.after.Status != r.before {
			report.Changed++
		}
		if r.after.Status == model.JobDone || r.after.Status == model.JobFailed {
			finished = append(finished, r.after)
		}
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	var errs []error
	for _, job := range finished {
		report.Finished++
		sample, err := p.samples.Sample(ctx, job.SampleID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.callbacks.Fire(ctx, sample.SHA1); err != nil {
			errs = append(errs, fmt.Errorf("firing callbacks of %s: %w", sample.SHA1, err))
		}
	}
	slog.DebugContext(ctx, "sweep done",
		"checked", report.Checked, "changed", report.Changed, "finished", report.Finished, "failed", report.Failed)
	return report, errors.Join(errs...)
}

// Sweeper runs Sweep periodically.
type Sweeper struct {
	pipeline    *Pipeline
	parallelism int
	schedule    gocron.JobDefinition
}

// NewSweeper schedules sweeps by cron expression or ISO-8601 duration.
// A nil schedule sweeps every minute.
func NewSweeper(ctx context.Context, p *Pipeline, schedule *model.Schedule, parallelism int) (*Sweeper, error) {
	def, err := jobDefinition(ctx, schedule)
	if err != nil {
		return nil, err
	}
	return &Sweeper{pipeline: p, parallelism: parallelism, schedule: def}, nil
}

func jobDefinition(ctx context.Context, schedule *model.Schedule) (gocron.JobDefinition, error) {
	if schedule == nil {
		return gocron.DurationJob(time.Minute), nil
	}
	cfg := *schedule
	switch {
	case cfg.Cron != "":
		if err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing reconcile.schedule.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing reconcile.schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and duration are empty")
	}
}

// Run sweeps until ctx is canceled. Passes never overlap.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		s.schedule,
		gocron.NewTask(func() {
			if _, err := s.pipeline.Sweep(ctx, s.parallelism); err != nil {
				slog.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.DebugContext(ctx, "starting a sweeper")
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}
