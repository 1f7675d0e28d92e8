package callback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/daas/internal/callback"
	"github.com/stretchr/testify/require"
)

type memRegistrations struct {
	mx   sync.Mutex
	keys map[string][]string
}

func (m *memRegistrations) Add(_ context.Context, key, target string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.keys == nil {
		m.keys = make(map[string][]string)
	}
	if !slices.Contains(m.keys[key], target) {
		m.keys[key] = append(m.keys[key], target)
	}
	return nil
}

func (m *memRegistrations) Take(_ context.Context, key string) ([]string, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	targets := m.keys[key]
	delete(m.keys, key)
	return targets, nil
}

type receiver struct {
	mx    sync.Mutex
	got   []callback.Notification
	paths []string
}

func (r *receiver) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var n callback.Notification
		if err := json.NewDecoder(req.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mx.Lock()
		r.got = append(r.got, n)
		r.paths = append(r.paths, req.URL.Path)
		r.mx.Unlock()
		w.WriteHeader(status)
	}
}

func TestNotifyNow(t *testing.T) {
	t.Parallel()
	var rcv receiver
	srv := httptest.NewServer(rcv.handler(http.StatusOK))
	t.Cleanup(srv.Close)
	failing := httptest.NewServer(rcv.handler(http.StatusInternalServerError))
	t.Cleanup(failing.Close)

	m := callback.NewManager(&memRegistrations{}, time.Second)

	var testCases = []struct {
		scenario string
		given    string
		then     bool
	}{
		{"delivered", srv.URL + "/hook", true},
		{"server error", failing.URL + "/hook", false},
		{"relative", "/hook", false},
		{"bad scheme", "ftp://example.com/hook", false},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			err := m.NotifyNow(t.Context(), tt.given, "deadbeef")
			if tt.then {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
	require.Contains(t, rcv.got, callback.Notification{SHA1: "deadbeef"})
}

func TestDeferFire(t *testing.T) {
	t.Parallel()
	var rcv receiver
	srv := httptest.NewServer(rcv.handler(http.StatusNoContent))
	t.Cleanup(srv.Close)
	failing := httptest.NewServer(rcv.handler(http.StatusBadGateway))
	t.Cleanup(failing.Close)

	regs := &memRegistrations{}
	m := callback.NewManager(regs, time.Second)
	ctx := t.Context()

	require.NoError(t, m.Defer(ctx, srv.URL+"/a", "h1"))
	require.NoError(t, m.Defer(ctx, srv.URL+"/a", "h1"))
	require.NoError(t, m.Defer(ctx, failing.URL+"/b", "h1"))
	require.NoError(t, m.Defer(ctx, srv.URL+"/c", "h2"))
	require.Error(t, m.Defer(ctx, "not a url", "h1"))

	err := m.Fire(ctx, "h1")
	require.Error(t, err, "failing target is reported")
	require.ElementsMatch(t, []string{"/a", "/b"}, rcv.paths)

	// registrations are consumed
	require.NoError(t, m.Fire(ctx, "h1"))
	require.Len(t, rcv.paths, 2)

	require.NoError(t, m.Fire(ctx, "h2"))
	require.ElementsMatch(t, []string{"/a", "/b", "/c"}, rcv.paths)
}
