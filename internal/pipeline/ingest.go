package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
)

type UploadRequest struct {
	Name           string
	Content        []byte
	ForceReprocess bool
	Callback       string // optional
}

type UploadResult struct {
	Sample model.Sample
	// New is false when the content was already known.
	New     bool
	Outcome Outcome
}

// Upload stores new content and dispatches its first job. Known content is
// not stored again; the requester is notified right away unless a forced
// reprocess supersedes the notification.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	hashes := model.HashContent(req.Content)
	ctx = log.ContextAttrs(ctx, slog.String("sha1", hashes.SHA1))

	existing, err := p.samples.SampleBySHA1(ctx, hashes.SHA1)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return p.ingest(ctx, hashes, req)
	case err != nil:
		return UploadResult{}, err
	}

	firstRun, err := p.neverDispatched(ctx, existing)
	if err != nil {
		return UploadResult{}, err
	}
	if firstRun || (req.ForceReprocess && p.forcePolicy == model.ForceSupersede) {
		if _, err := p.registry.Lookup(existing.TypeName()); err != nil {
			slog.ErrorContext(ctx, "reprocess refused", "error", err)
			return UploadResult{}, err
		}
		out, err := p.redo(ctx, existing, req.Callback)
		return UploadResult{Sample: existing, Outcome: out}, err
	}

	res := UploadResult{Sample: existing, Outcome: Outcome{Notified: []string{existing.SHA1}}}
	if req.Callback == "" {
		return res, nil
	}
	if err := p.callbacks.NotifyNow(ctx, req.Callback, existing.SHA1); err != nil {
		return res, fmt.Errorf("notifying %s: %w", existing.SHA1, err)
	}
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, hashes model.Hashes, req UploadRequest) (UploadResult, error) {
	identifier, err := p.classifier.Classify(ctx, req.Content)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := p.registry.Lookup(identifier); err != nil {
		return UploadResult{}, err
	}

	if err := p.content.Put(ctx, hashes.SHA1, req.Content); err != nil {
		return UploadResult{}, fmt.Errorf("storing content: %w", err)
	}
	sample := model.Sample{
		Hashes: hashes,
		Name:   req.Name,
		Size:   int64(len(req.Content)),
		Type:   &identifier,
	}
	if err := p.samples.CreateSample(ctx, &sample); err != nil {
		return UploadResult{}, err
	}
	slog.InfoContext(ctx, "sample created", "type", identifier, "size", sample.Size)

	res := UploadResult{Sample: sample, New: true}
	var errs []error
	if req.Callback != "" {
		if err := p.callbacks.Defer(ctx, req.Callback, sample.SHA1); err != nil {
			errs = append(errs, fmt.Errorf("deferring callback of %s: %w", sample.SHA1, err))
		}
	}
	if _, err := p.dispatch(ctx, sample); err != nil {
		errs = append(errs, err)
	} else {
		res.Outcome.Dispatched = []string{sample.SHA1}
	}
	return res, errors.Join(errs...)
}

// neverDispatched reports a known sample without any job nor result, left
// behind by an upload whose dispatch failed.
func (p *Pipeline) neverDispatched(ctx context.Context, s model.Sample) (bool, error) {
	if s.Statistics != nil {
		return false, nil
	}
	_, err := p.samples.CurrentJob(ctx, s.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return false, nil
}
