package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/store"
)

// Find returns the samples matching p.
func (p *Pipeline) Find(ctx context.Context, pred store.Predicate) ([]model.Sample, error) {
	return p.samples.Find(ctx, pred)
}

func (p *Pipeline) Sample(ctx context.Context, sha1 string) (model.Sample, error) {
	return p.samples.SampleBySHA1(ctx, sha1)
}

// CountByType counts samples per registered decompiler.
func (p *Pipeline) CountByType(ctx context.Context) (map[string]int, error) {
	return p.samples.CountByType(ctx, p.registry.Identifiers())
}

// Activity counts samples per UTC day, keyed 2006-01-02.
type Activity struct {
	// FirstUpload is zero when no sample exists.
	FirstUpload time.Time
	Uploaded    map[string]int
	Processed   map[string]int
}

// Activity returns the daily upload and processing counts.
func (p *Pipeline) Activity(ctx context.Context) (Activity, error) {
	var (
		out Activity
		err error
	)
	out.FirstUpload, err = p.samples.FirstUpload(ctx)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Activity{}, err
	}
	if out.Uploaded, err = p.samples.UploadsPerDay(ctx); err != nil {
		return Activity{}, err
	}
	if out.Processed, err = p.samples.ProcessedPerDay(ctx); err != nil {
		return Activity{}, err
	}
	return out, nil
}

// SubmitResult records the outcome a worker produced for a sample, brings
// its current job up to date and fires the deferred callbacks.
func (p *Pipeline) SubmitResult(ctx context.Context, sha1 string, st model.Statistics) error {
	if err := st.Validate(); err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.String("sha1", sha1))
	sample, err := p.samples.SampleBySHA1(ctx, sha1)
	if err != nil {
		return err
	}
	if err := p.samples.PutStatistics(ctx, sample.ID, st); err != nil {
		return err
	}
	slog.InfoContext(ctx, "result stored", "decompiled", st.Decompiled, "timed_out", st.TimedOut, "version", st.Version)

	var errs []error
	job, err := p.samples.CurrentJob(ctx, sample.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		errs = append(errs, err)
	default:
		if _, err := p.reconciler.Reconcile(ctx, job); err != nil {
			slog.WarnContext(ctx, "cannot reconcile current job", "error", err)
		}
	}
	if err := p.callbacks.Fire(ctx, sha1); err != nil {
		errs = append(errs, fmt.Errorf("firing callbacks: %w", err))
	}
	return errors.Join(errs...)
}

// Status returns the reconciled current job of a sample. When the queue
// cannot answer the stored job is returned.
func (p *Pipeline) Status(ctx context.Context, sha1 string) (model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.String("sha1", sha1))
	job, err := p.currentJob(ctx, sha1)
	if err != nil {
		return model.Job{}, err
	}
	job, err = p.reconciler.Reconcile(ctx, job)
	if errors.Is(err, model.ErrQueueUnavailable) {
		slog.WarnContext(ctx, "returning stored job status", "error", err)
		return job, nil
	}
	return job, err
}

// Cancel cancels the current job of a sample if it is still queued.
func (p *Pipeline) Cancel(ctx context.Context, sha1 string) (model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.String("sha1", sha1))
	job, err := p.currentJob(ctx, sha1)
	if err != nil {
		return model.Job{}, err
	}
	return p.reconciler.Cancel(ctx, job)
}

// Delete cancels a queued current job, then removes the sample with its
// statistics, jobs and content.
func (p *Pipeline) Delete(ctx context.Context, sha1 string) error {
	ctx = log.ContextAttrs(ctx, slog.String("sha1", sha1))
	sample, err := p.samples.SampleBySHA1(ctx, sha1)
	if err != nil {
		return err
	}
	job, err := p.samples.CurrentJob(ctx, sample.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return err
	default:
		job, err = p.reconciler.Cancel(ctx, job)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			slog.WarnContext(ctx, "deleting sample of unfinished job", "job_id", job.ExternalID, "status", job.Status)
		}
	}
	if err := p.samples.DeleteSample(ctx, sample.ID); err != nil {
		return err
	}
	if err := p.content.Delete(ctx, sha1); err != nil {
		return fmt.Errorf("deleting content: %w", err)
	}
	slog.InfoContext(ctx, "sample deleted")
	return nil
}

// Result returns the stored result archive of a sample.
func (p *Pipeline) Result(ctx context.Context, sha1 string) ([]byte, error) {
	sample, err := p.samples.SampleBySHA1(ctx, sha1)
	if err != nil {
		return nil, err
	}
	return p.samples.Result(ctx, sample.ID)
}

// Download returns the uploaded bytes of a sample.
func (p *Pipeline) Download(ctx context.Context, sha1 string) ([]byte, error) {
	if _, err := p.samples.SampleBySHA1(ctx, sha1); err != nil {
		return nil, err
	}
	return p.content.Get(ctx, sha1)
}

func (p *Pipeline) currentJob(ctx context.Context, sha1 string) (model.Job, error) {
	sample, err := p.samples.SampleBySHA1(ctx, sha1)
	if err != nil {
		return model.Job{}, err
	}
	return p.samples.CurrentJob(ctx, sample.ID)
}
