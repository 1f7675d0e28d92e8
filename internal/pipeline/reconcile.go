package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
)

// casAttempts bounds the re-reads after losing a status write race.
const casAttempts = 3

// Reconciler owns the job state machine. It brings the stored job status in
// line with what the queue reports.
type Reconciler struct {
	samples SampleStore
	queue   Queue
}

func NewReconciler(samples SampleStore, queue Queue) *Reconciler {
	return &Reconciler{samples: samples, queue: queue}
}

// Reconcile returns the job with its status updated from the queue.
// Terminal jobs are returned as they are. A queue which cannot answer
// leaves the status unchanged and the error wraps model.ErrQueueUnavailable.
func (r *Reconciler) Reconcile(ctx context.Context, job model.Job) (model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.Int64("job", job.ID), slog.String("job_id", job.ExternalID), slog.String("queue", job.Queue))
	for range casAttempts {
		if job.Status.Terminal() {
			return job, nil
		}
		next, err := r.observe(ctx, job)
		if err != nil {
			return job, err
		}
		if next == job.Status {
			return job, nil
		}

		err = r.samples.UpdateJobStatus(ctx, job.ID, job.Status, next)
		switch {
		case err == nil:
			slog.DebugContext(ctx, "job status changed", "old", job.Status, "new", next)
			job.Status = next
			return job, nil
		case errors.Is(err, model.ErrConflict):
			fresh, err := r.samples.Job(ctx, job.ID)
			if err != nil {
				return job, err
			}
			slog.DebugContext(ctx, "job status changed concurrently", "expected", job.Status, "actual", fresh.Status)
			job = fresh
		default:
			return job, err
		}
	}
	return job, nil
}

// observe returns the status the queue implies for job.
func (r *Reconciler) observe(ctx context.Context, job model.Job) (model.JobStatus, error) {
	state, err := r.queue.Query(ctx, job.Queue, job.ExternalID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		sample, err := r.samples.Sample(ctx, job.SampleID)
		if err != nil {
			return "", fmt.Errorf("loading sample of job %d: %w", job.ID, err)
		}
		if sample.Decompiled() {
			return model.JobDone, nil
		}
		return model.JobFailed, nil
	case err != nil:
		if !errors.Is(err, model.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrQueueUnavailable, err)
		}
		return "", err
	}
	next, err := state.JobStatus()
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrQueueUnavailable, err)
	}
	return next, nil
}

// Cancel cancels a job nobody picked up yet. Jobs in any other status are
// returned untouched and so are jobs the queue refuses to cancel; neither
// is an error.
func (r *Reconciler) Cancel(ctx context.Context, job model.Job) (model.Job, error) {
	if job.Status != model.JobQueued {
		return job, nil
	}
	ctx = log.ContextAttrs(ctx, slog.Int64("job", job.ID), slog.String("job_id", job.ExternalID), slog.String("queue", job.Queue))
	if err := r.queue.Cancel(ctx, job.Queue, job.ExternalID); err != nil {
		slog.WarnContext(ctx, "queue did not cancel the job", "error", err)
		return job, nil
	}
	err := r.samples.UpdateJobStatus(ctx, job.ID, model.JobQueued, model.JobCancelled)
	switch {
	case err == nil:
		slog.DebugContext(ctx, "job status changed", "old", job.Status, "new", model.JobCancelled)
		job.Status = model.JobCancelled
		return job, nil
	case errors.Is(err, model.ErrConflict):
		return r.samples.Job(ctx, job.ID)
	default:
		return job, err
	}
}
