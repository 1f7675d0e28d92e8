package queue_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/queue"
	"github.com/CZERTAINLY/daas/internal/redistest"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestState_JobStatus(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given queue.State
		then  model.JobStatus
	}{
		{queue.Queued, model.JobQueued},
		{queue.Deferred, model.JobQueued},
		{queue.Scheduled, model.JobQueued},
		{queue.Started, model.JobProcessing},
		{queue.Finished, model.JobDone},
		{queue.Failed, model.JobFailed},
		{queue.Stopped, model.JobFailed},
		{queue.Canceled, model.JobCancelled},
	}
	for _, tt := range testCases {
		t.Run(string(tt.given), func(t *testing.T) {
			t.Parallel()
			got, err := tt.given.JobStatus()
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}

	_, err := queue.State("bogus").JobStatus()
	require.Error(t, err)
}

func TestRedis(t *testing.T) {
	client := redistest.Client(t)
	q := queue.NewWithClient(client, 5*time.Second)
	ctx := t.Context()

	task := model.Task{SHA1: "abc", Name: "a.exe", Identifier: "pe", Version: 1, Timeout: 120}
	id, err := q.Submit(ctx, "pe_queue", task)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	t.Run("layout", func(t *testing.T) {
		ids, err := client.LRange(ctx, "rq:queue:pe_queue", 0, -1).Result()
		require.NoError(t, err)
		require.Equal(t, []string{id}, ids)

		data, err := client.HGet(ctx, "rq:job:"+id, "data").Bytes()
		require.NoError(t, err)
		var got model.Task
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, task, got)
	})

	t.Run("query", func(t *testing.T) {
		state, err := q.Query(ctx, "pe_queue", id)
		require.NoError(t, err)
		require.Equal(t, queue.Queued, state)

		_, err = q.Query(ctx, "pe_queue", "missing")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("cancel started", func(t *testing.T) {
		started, err := q.Submit(ctx, "pe_queue", task)
		require.NoError(t, err)
		require.NoError(t, client.HSet(ctx, "rq:job:"+started, "status", "started").Err())

		err = q.Cancel(ctx, "pe_queue", started)
		require.ErrorIs(t, err, model.ErrConflict)
		state, err := q.Query(ctx, "pe_queue", started)
		require.NoError(t, err)
		require.Equal(t, queue.Started, state)
	})

	t.Run("cancel queued", func(t *testing.T) {
		require.NoError(t, q.Cancel(ctx, "pe_queue", id))
		state, err := q.Query(ctx, "pe_queue", id)
		require.NoError(t, err)
		require.Equal(t, queue.Canceled, state)

		ids, err := client.LRange(ctx, "rq:queue:pe_queue", 0, -1).Result()
		require.NoError(t, err)
		require.NotContains(t, ids, id)
	})

	t.Run("cancel missing", func(t *testing.T) {
		err := q.Cancel(ctx, "pe_queue", "missing")
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestRedis_unavailable(t *testing.T) {
	t.Parallel()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, time.Second)

	_, err := q.Submit(t.Context(), "pe_queue", model.Task{})
	require.ErrorIs(t, err, model.ErrQueueUnavailable)

	_, err = q.Query(t.Context(), "pe_queue", "id")
	require.ErrorIs(t, err, model.ErrQueueUnavailable)
	require.NotErrorIs(t, err, model.ErrNotFound)

	err = q.Cancel(t.Context(), "pe_queue", "id")
	require.ErrorIs(t, err, model.ErrQueueUnavailable)
}
