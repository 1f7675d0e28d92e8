package pipeline_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/pipeline"
	"github.com/CZERTAINLY/daas/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestReprocess_current(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 1))
	s := e.seed(t, 1, 1, true)

	out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
		Selectors: pipeline.Selectors{SHA1: []string{s.SHA1}},
		Callback:  "http://cb",
	})
	require.NoError(t, err)
	require.Equal(t, []string{s.SHA1}, out.Notified)
	require.Empty(t, out.Dispatched)

	deferred, notified := e.callbacks.calls()
	require.Empty(t, deferred)
	require.Equal(t, []call{{"http://cb", s.SHA1}}, notified)
	require.Empty(t, e.queue.submissions())
}

func TestReprocess_stale(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 2))
	s := e.seed(t, 2, 1, true)

	out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
		Selectors: pipeline.Selectors{SHA1: []string{s.SHA1}},
		Callback:  "http://cb",
	})
	require.NoError(t, err)
	require.Equal(t, []string{s.SHA1}, out.Dispatched)

	deferred, notified := e.callbacks.calls()
	require.Equal(t, []call{{"http://cb", s.SHA1}}, deferred)
	require.Empty(t, notified)

	subs := e.queue.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, 2, subs[0].task.Version)

	jobs := e.jobs(t, s.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, model.JobQueued, jobs[0].Status)
}

func TestReprocess_mixed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 2))
	current := e.seed(t, 1, 2, true)
	old := e.seed(t, 2, 1, true)
	failed := e.seed(t, 3, 2, false)

	var testCases = []struct {
		scenario string
		force    bool
		then     pipeline.Outcome
	}{
		{"partitioned", false, pipeline.Outcome{Notified: []string{current.SHA1}, Dispatched: []string{failed.SHA1, old.SHA1}}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
				// selectors of different kinds, one sample matched twice
				Selectors: pipeline.Selectors{
					MD5:    []string{current.MD5},
					SHA1:   []string{old.SHA1, current.SHA1},
					SHA256: []string{failed.SHA256},
				},
				Force:    tt.force,
				Callback: "http://cb",
			})
			require.NoError(t, err)
			require.ElementsMatch(t, tt.then.Notified, out.Notified)
			require.ElementsMatch(t, tt.then.Dispatched, out.Dispatched)
		})
	}
}

func TestReprocess_force(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 1))
	s := e.seed(t, 1, 1, true)

	out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
		Selectors: pipeline.Selectors{MD5: []string{s.MD5}},
		Force:     true,
		Callback:  "http://cb",
	})
	require.NoError(t, err)
	require.Equal(t, []string{s.SHA1}, out.Dispatched)
	_, notified := e.callbacks.calls()
	require.Empty(t, notified)
	require.Len(t, e.queue.submissions(), 1)
}

func TestReprocess_drift(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 1))
	ok := e.seed(t, 1, 0, false)

	ctx := t.Context()
	apk := registry.APK
	orphan := model.Sample{Hashes: model.HashContent([]byte("apk")), Name: "a.apk", Size: 3, Type: &apk}
	require.NoError(t, e.store.CreateSample(ctx, &orphan))

	_, err := e.pipeline.Reprocess(ctx, pipeline.ReprocessRequest{
		Selectors: pipeline.Selectors{SHA1: []string{ok.SHA1, orphan.SHA1}},
		Callback:  "http://cb",
	})
	require.ErrorIs(t, err, model.ErrConfigurationDrift)
	require.Empty(t, e.queue.submissions(), "nothing is dispatched")
	deferred, notified := e.callbacks.calls()
	require.Empty(t, deferred)
	require.Empty(t, notified)
}

func TestReprocess_notifyFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 2))
	current := e.seed(t, 1, 2, true)
	old := e.seed(t, 2, 1, true)
	e.callbacks.notifyErr = errBoom

	out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
		Selectors: pipeline.Selectors{SHA1: []string{current.SHA1, old.SHA1}},
		Callback:  "http://cb",
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, []string{old.SHA1}, out.Dispatched, "dispatch survives a failed notification")
	require.Len(t, e.queue.submissions(), 1)
}

func TestReprocess_empty(t *testing.T) {
	t.Parallel()
	e := newEnv(t, registry.Default())
	out, err := e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{Callback: "http://cb"})
	require.NoError(t, err)
	require.Equal(t, pipeline.Outcome{}, out)
}

func TestReprocess_concurrent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, peRegistry(t, 2))
	e.queue.delay = 20 * time.Millisecond
	s := e.seed(t, 3, 1, true)

	const requests = 8
	var (
		wg   sync.WaitGroup
		outs = make([]pipeline.Outcome, requests)
		errs = make([]error, requests)
	)
	for i := range requests {
		wg.Go(func() {
			outs[i], errs[i] = e.pipeline.Reprocess(t.Context(), pipeline.ReprocessRequest{
				Selectors: pipeline.Selectors{SHA1: []string{s.SHA1}},
				Callback:  fmt.Sprintf("http://cb/%d", i),
			})
		})
	}
	wg.Wait()

	var dispatched, pending int
	for i := range requests {
		require.NoError(t, errs[i])
		dispatched += len(outs[i].Dispatched)
		pending += len(outs[i].Pending)
	}
	require.Equal(t, 1, dispatched)
	require.Equal(t, requests-1, pending)
	require.Len(t, e.queue.submissions(), 1)
	require.Len(t, e.jobs(t, s.ID), 1)

	deferred, _ := e.callbacks.calls()
	require.Len(t, deferred, requests)
}
