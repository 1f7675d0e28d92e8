package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/registry"
	"github.com/CZERTAINLY/daas/internal/store"
)

// Selectors pick samples by any of their hashes. The matches are united.
type Selectors struct {
	MD5    []string `json:"md5"`
	SHA1   []string `json:"sha1"`
	SHA256 []string `json:"sha2"`
}

func (s Selectors) Predicate() store.Predicate {
	return store.HashIn(s.MD5, s.SHA1, s.SHA256)
}

type ReprocessRequest struct {
	Selectors
	Force    bool
	Callback string // optional
}

// Outcome lists the SHA1 of samples per path taken.
type Outcome struct {
	// Notified were current, the callback was called right away.
	Notified []string `json:"notified"`
	// Dispatched got a new job.
	Dispatched []string `json:"dispatched"`
	// Pending already had a job in progress, the callback waits for it.
	Pending []string `json:"pending"`
}

func (o *Outcome) merge(other Outcome) {
	o.Notified = append(o.Notified, other.Notified...)
	o.Dispatched = append(o.Dispatched, other.Dispatched...)
	o.Pending = append(o.Pending, other.Pending...)
}

// Partition splits samples into the ones holding a result of the current
// decompiler version and all the others. With force every sample is stale.
// A sample whose type is missing from the registry fails the whole call.
func Partition(reg registry.Registry, samples []model.Sample, force bool) (current, stale []model.Sample, err error) {
	for _, s := range samples {
		ok, err := reg.IsCurrent(s)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %s: %w", s.SHA1, err)
		}
		if ok && !force {
			current = append(current, s)
		} else {
			stale = append(stale, s)
		}
	}
	return current, stale, nil
}

// Reprocess notifies the requester about current samples and dispatches new
// jobs for the others. Failures of single notifications or dispatches are
// joined in the returned error and do not stop the rest.
func (p *Pipeline) Reprocess(ctx context.Context, req ReprocessRequest) (Outcome, error) {
	samples, err := p.samples.Find(ctx, req.Predicate())
	if err != nil {
		return Outcome{}, err
	}
	current, stale, err := Partition(p.registry, samples, req.Force)
	if err != nil {
		slog.ErrorContext(ctx, "reprocess refused", "error", err)
		return Outcome{}, err
	}

	var (
		out  Outcome
		errs []error
	)
	for _, s := range current {
		out.Notified = append(out.Notified, s.SHA1)
		if req.Callback == "" {
			continue
		}
		if err := p.callbacks.NotifyNow(ctx, req.Callback, s.SHA1); err != nil {
			errs = append(errs, fmt.Errorf("notifying %s: %w", s.SHA1, err))
		}
	}
	for _, s := range stale {
		o, err := p.redo(ctx, s, req.Callback)
		out.merge(o)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// redo registers the deferred callback and dispatches a job for s unless
// its current job is still in progress. Concurrent calls for the same
// sample share one check and dispatch; all but the caller which ran it
// report the sample as pending.
func (p *Pipeline) redo(ctx context.Context, s model.Sample, callback string) (Outcome, error) {
	ctx = log.ContextAttrs(ctx, slog.String("sha1", s.SHA1))
	var errs []error
	if callback != "" {
		if err := p.callbacks.Defer(ctx, callback, s.SHA1); err != nil {
			errs = append(errs, fmt.Errorf("deferring callback of %s: %w", s.SHA1, err))
		}
	}

	ran := false
	v, err, _ := p.dispatching.Do(s.SHA1, func() (any, error) {
		ran = true
		// followers share the result, a canceled leader must not fail them
		return p.claim(context.WithoutCancel(ctx), s)
	})
	if err != nil {
		return Outcome{}, errors.Join(append(errs, err)...)
	}
	out, _ := v.(Outcome)
	if !ran {
		slog.DebugContext(ctx, "concurrent dispatch in progress: not dispatching")
		out = Outcome{Pending: []string{s.SHA1}}
	}
	return out, errors.Join(errs...)
}

// claim dispatches a job for s when no job of s is in progress.
func (p *Pipeline) claim(ctx context.Context, s model.Sample) (Outcome, error) {
	busy, err := p.inProgress(ctx, s)
	if err != nil {
		return Outcome{}, err
	}
	if busy {
		slog.DebugContext(ctx, "job already in progress: not dispatching")
		return Outcome{Pending: []string{s.SHA1}}, nil
	}
	if _, err := p.dispatch(ctx, s); err != nil {
		return Outcome{}, err
	}
	return Outcome{Dispatched: []string{s.SHA1}}, nil
}

// inProgress reconciles the current job of s and reports whether it is
// still queued or processing. An unreachable queue keeps the stored status.
func (p *Pipeline) inProgress(ctx context.Context, s model.Sample) (bool, error) {
	job, err := p.samples.CurrentJob(ctx, s.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	job, err = p.reconciler.Reconcile(ctx, job)
	if err != nil && !errors.Is(err, model.ErrQueueUnavailable) {
		return false, err
	}
	if err != nil {
		slog.WarnContext(ctx, "cannot reconcile current job", "error", err)
	}
	return !job.Status.Terminal(), nil
}

// dispatch submits a job for s to the queue of its type.
func (p *Pipeline) dispatch(ctx context.Context, s model.Sample) (model.Job, error) {
	cfg, err := p.registry.Lookup(s.TypeName())
	if err != nil {
		slog.ErrorContext(ctx, "cannot dispatch", "error", err)
		return model.Job{}, err
	}
	id, err := p.queue.Submit(ctx, cfg.Queue, cfg.Task(s))
	if err != nil {
		return model.Job{}, fmt.Errorf("dispatching %s: %w", s.SHA1, err)
	}
	job := model.Job{
		ExternalID: id,
		Queue:      cfg.Queue,
		Status:     model.JobQueued,
		SampleID:   s.ID,
	}
	if err := p.samples.CreateJob(ctx, &job); err != nil {
		return model.Job{}, fmt.Errorf("storing job %s of %s: %w", id, s.SHA1, err)
	}
	slog.DebugContext(ctx, "job dispatched", "job_id", id, "queue", cfg.Queue)
	return job, nil
}
