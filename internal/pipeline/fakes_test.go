package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/pipeline"
	"github.com/CZERTAINLY/daas/internal/queue"
	"github.com/CZERTAINLY/daas/internal/registry"
	"github.com/CZERTAINLY/daas/internal/store"
	"github.com/stretchr/testify/require"
)

type submission struct {
	queue string
	task  model.Task
}

type fakeQueue struct {
	mx          sync.Mutex
	seq         int
	states      map[string]queue.State
	submitted   []submission
	cancels     []string
	queries     int
	unavailable bool
	// delay slows every Submit down, set it before use
	delay       time.Duration
}

func (q *fakeQueue) Submit(_ context.Context, name string, task model.Task) (string, error) {
	time.Sleep(q.delay)
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.unavailable {
		return "", model.ErrQueueUnavailable
	}
	q.seq++
	id := fmt.Sprintf("job-%d", q.seq)
	if q.states == nil {
		q.states = make(map[string]queue.State)
	}
	q.states[id] = queue.Queued
	q.submitted = append(q.submitted, submission{queue: name, task: task})
	return id, nil
}

func (q *fakeQueue) Query(_ context.Context, _, id string) (queue.State, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.queries++
	if q.unavailable {
		return "", fmt.Errorf("query %s: %w", id, model.ErrQueueUnavailable)
	}
	state, ok := q.states[id]
	if !ok {
		return "", fmt.Errorf("query %s: %w", id, model.ErrNotFound)
	}
	return state, nil
}

func (q *fakeQueue) Cancel(_ context.Context, _, id string) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.unavailable {
		return model.ErrQueueUnavailable
	}
	q.cancels = append(q.cancels, id)
	state, ok := q.states[id]
	switch {
	case !ok:
		return model.ErrNotFound
	case state != queue.Queued:
		return model.ErrConflict
	}
	q.states[id] = queue.Canceled
	return nil
}

func (q *fakeQueue) set(id string, state queue.State) {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.states[id] = state
}

func (q *fakeQueue) forget(id string) {
	q.mx.Lock()
	defer q.mx.Unlock()
	delete(q.states, id)
}

func (q *fakeQueue) submissions() []submission {
	q.mx.Lock()
	defer q.mx.Unlock()
	return slices.Clone(q.submitted)
}

func (q *fakeQueue) queryCount() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.queries
}

type call struct {
	target string
	key    string
}

type fakeCallbacks struct {
	mx        sync.Mutex
	deferred  []call
	notified  []call
	notifyErr error
}

func (c *fakeCallbacks) Defer(_ context.Context, target, key string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.deferred = append(c.deferred, call{target, key})
	return nil
}

func (c *fakeCallbacks) NotifyNow(_ context.Context, target, key string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.notified = append(c.notified, call{target, key})
	return nil
}

func (c *fakeCallbacks) Fire(_ context.Context, key string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	var rest []call
	for _, d := range c.deferred {
		if d.key == key {
			c.notified = append(c.notified, d)
			continue
		}
		rest = append(rest, d)
	}
	c.deferred = rest
	return nil
}

func (c *fakeCallbacks) calls() (deferred, notified []call) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return slices.Clone(c.deferred), slices.Clone(c.notified)
}

type memContent struct {
	mx    sync.Mutex
	blobs map[string][]byte
}

func (m *memContent) Put(_ context.Context, key string, b []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[key] = bytes.Clone(b)
	return nil
}

func (m *memContent) Get(_ context.Context, key string) ([]byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return b, nil
}

func (m *memContent) Delete(_ context.Context, key string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.blobs, key)
	return nil
}

type env struct {
	pipeline  *pipeline.Pipeline
	store     *store.Store
	queue     *fakeQueue
	callbacks *fakeCallbacks
	content   *memContent
}

// peRegistry holds the pe family only, at version.
func peRegistry(t *testing.T, version int) registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{
		Identifier: registry.PE,
		Version:    version,
		Queue:      "pe_queue",
		Timeout:    120 * time.Second,
		MIMETypes:  registry.PEMIMETypes,
	})
	require.NoError(t, err)
	return reg
}

func newEnv(t *testing.T, reg registry.Registry) env {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "daas.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})
	e := env{
		store:     st,
		queue:     &fakeQueue{},
		callbacks: &fakeCallbacks{},
		content:   &memContent{},
	}
	e.pipeline = pipeline.New(pipeline.Deps{
		Registry:  reg,
		Samples:   st,
		Queue:     e.queue,
		Callbacks: e.callbacks,
		Content:   e.content,
	})
	return e
}

// executable returns a distinct minimal MZ/PE image per n.
func executable(n byte) []byte {
	b := make([]byte, 512)
	copy(b, "MZ")
	b[0x3c] = 0x80
	copy(b[0x80:], "PE\x00\x00")
	b[0x1ff] = n
	return b
}

// seed stores a sample with statistics at version and its finished job.
func (e env) seed(t *testing.T, n byte, version int, decompiled bool) model.Sample {
	t.Helper()
	ctx := t.Context()
	pe := registry.PE
	s := model.Sample{Hashes: model.HashContent(executable(n)), Name: fmt.Sprintf("s%d.exe", n), Size: 512, Type: &pe}
	require.NoError(t, e.store.CreateSample(ctx, &s))
	require.NoError(t, e.store.PutStatistics(ctx, s.ID, model.Statistics{Decompiled: decompiled, Version: version}))
	job := model.Job{ExternalID: fmt.Sprintf("old-%d", n), Queue: "pe_queue", Status: model.JobDone, SampleID: s.ID}
	require.NoError(t, e.store.CreateJob(ctx, &job))
	s, err := e.store.Sample(ctx, s.ID)
	require.NoError(t, err)
	return s
}

func (e env) jobs(t *testing.T, sampleID int64) []model.Job {
	t.Helper()
	all, err := e.store.UnfinishedJobs(t.Context())
	require.NoError(t, err)
	var out []model.Job
	for _, j := range all {
		if j.SampleID == sampleID {
			out = append(out, j)
		}
	}
	return out
}

var errBoom = errors.New("boom")
