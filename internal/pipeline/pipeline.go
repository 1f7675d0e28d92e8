// Package pipeline drives samples through the decompilation queue: it
// ingests uploads, dispatches jobs, reconciles their status with the queue
// and decides when requesters get notified.
package pipeline

import (
	"context"
	"time"

	"github.com/CZERTAINLY/daas/internal/classify"
	"github.com/CZERTAINLY/daas/internal/content"
	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/queue"
	"github.com/CZERTAINLY/daas/internal/registry"
	"github.com/CZERTAINLY/daas/internal/store"

	"golang.org/x/sync/singleflight"
)

// SampleStore persists samples, statistics and jobs. UpdateJobStatus must be
// a compare-and-swap returning model.ErrConflict when expected is stale.
type SampleStore interface {
	Find(ctx context.Context, p store.Predicate) ([]model.Sample, error)
	Sample(ctx context.Context, id int64) (model.Sample, error)
	SampleBySHA1(ctx context.Context, sha1 string) (model.Sample, error)
	CreateSample(ctx context.Context, sample *model.Sample) error
	DeleteSample(ctx context.Context, id int64) error
	CountByType(ctx context.Context, identifiers []string) (map[string]int, error)
	UploadsPerDay(ctx context.Context) (map[string]int, error)
	ProcessedPerDay(ctx context.Context) (map[string]int, error)
	FirstUpload(ctx context.Context) (time.Time, error)
	PutStatistics(ctx context.Context, sampleID int64, st model.Statistics) error
	Result(ctx context.Context, sampleID int64) ([]byte, error)
	CreateJob(ctx context.Context, job *model.Job) error
	Job(ctx context.Context, id int64) (model.Job, error)
	CurrentJob(ctx context.Context, sampleID int64) (model.Job, error)
	UnfinishedJobs(ctx context.Context) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, expected, next model.JobStatus) error
}

// Queue is the external work queue. Query returns model.ErrNotFound when
// the queue forgot the job and model.ErrQueueUnavailable when it could not
// answer.
type Queue interface {
	Submit(ctx context.Context, queue string, task model.Task) (string, error)
	Query(ctx context.Context, queue, id string) (queue.State, error)
	Cancel(ctx context.Context, queue, id string) error
}

// Callbacks tells requesters a sample result is ready.
type Callbacks interface {
	Defer(ctx context.Context, target, key string) error
	NotifyNow(ctx context.Context, target, key string) error
	Fire(ctx context.Context, key string) error
}

type Deps struct {
	Registry  registry.Registry
	Samples   SampleStore
	Queue     Queue
	Callbacks Callbacks
	// Content is optional, nothing is kept when nil.
	Content   content.Store
}

type Pipeline struct {
	registry    registry.Registry
	classifier  classify.Classifier
	samples     SampleStore
	queue       Queue
	callbacks   Callbacks
	content     content.Store
	reconciler  *Reconciler
	forcePolicy string
	// dispatching runs the in-progress check and the dispatch of one sample
	// at a time, keyed by sha1.
	dispatching singleflight.Group
}

func New(deps Deps) *Pipeline {
	cs := deps.Content
	if cs == nil {
		cs = content.Discard{}
	}
	return &Pipeline{
		registry:    deps.Registry,
		classifier:  classify.New(deps.Registry),
		samples:     deps.Samples,
		queue:       deps.Queue,
		callbacks:   deps.Callbacks,
		content:     cs,
		reconciler:  NewReconciler(deps.Samples, deps.Queue),
		forcePolicy: model.ForceSupersede,
	}
}

// WithForcePolicy decides what force_reprocess means for an already known
// upload, see model.ForceSupersede and model.ForceIgnore.
func (p *Pipeline) WithForcePolicy(policy string) *Pipeline {
	p.forcePolicy = policy
	return p
}

func (p *Pipeline) Registry() registry.Registry {
	return p.registry
}

func (p *Pipeline) Reconciler() *Reconciler {
	return p.reconciler
}
