package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/go-scriptloop/work"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rt     *thread.Runtime
	store  *work.MemoryStore
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rt, err := thread.NewRuntime()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, rt.Close(ctx))
	})

	f := &fixture{rt: rt, store: work.NewMemoryStore()}
	backend, err := work.NewPollingBackend(f.store)
	require.NoError(t, err)
	provider, err := work.NewProvider(backend, work.ResurrectorFunc(func(context.Context, work.TimedTask) error { return nil }))
	require.NoError(t, err)

	start := func(entry string, payload map[string]any) (*thread.Thread, error) {
		return rt.Go(context.Background(), func(context.Context, *thread.Thread) error { return nil },
			thread.WithLabel(entry),
			thread.WithKeepAlive(func() bool { return true }),
		)
	}

	srv, err := NewServer(rt, append([]Option{WithProvider(provider), WithStart(start)}, opts...)...)
	require.NoError(t, err)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestNewServer_nilRuntime(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}

func TestServer_healthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestServer_threads(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/threads", `{"entry":"main"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var started threadResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, "main", started.Label)
	assert.NotZero(t, started.ID)

	resp, body = f.do(t, http.MethodGet, "/v1/threads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []threadResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, started.ID, list[0].ID)

	path := "/v1/threads/" + strconv.FormatUint(started.ID, 10)
	resp, body = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got threadResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "main", got.Label)

	var th *thread.Thread
	for _, x := range f.rt.Threads() {
		if x.ID() == started.ID {
			th = x
		}
	}
	require.NotNil(t, th)

	resp, _ = f.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, th.Wait(ctx))
	assert.Equal(t, thread.StateTerminated, th.State())

	resp, _ = f.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_threadErrors(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/v1/threads/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/v1/threads/999999", "", http.StatusNotFound},
		{http.MethodDelete, "/v1/threads/999999", "", http.StatusNotFound},
		{http.MethodPost, "/v1/threads", `{`, http.StatusBadRequest},
		{http.MethodPost, "/v1/threads", `{"payload":{}}`, http.StatusBadRequest},
	} {
		resp, body := f.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
		var e errorResponse
		require.NoError(t, json.Unmarshal(body, &e))
		assert.NotEmpty(t, e.Error)
	}
}

func TestServer_disabledRoutes(t *testing.T) {
	rt, err := thread.NewRuntime()
	require.NoError(t, err)
	srv, err := NewServer(rt)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/work/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/threads", "application/json", strings.NewReader(`{"entry":"main"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_work(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/work/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"check_work_fine":false,"recheck_period":"15m0s"}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/v1/work/tasks",
		`{"key":"reminder","entry":"jobs/remind","payload":{"n":1},"delay":"1h","window":"5m","recheck_delay":"1m"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	rec, err := f.store.Get(context.Background(), "reminder")
	require.NoError(t, err)
	assert.Equal(t, "jobs/remind", rec.Task.Entry)
	assert.Equal(t, 5*time.Minute, rec.Task.Window)
	assert.Equal(t, time.Minute, rec.Task.RecheckDelay)
	assert.Equal(t, float64(1), rec.Task.Payload["n"])
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.EarliestAt, time.Minute)

	resp, _ = f.do(t, http.MethodDelete, "/v1/work/tasks/reminder", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = f.store.Get(context.Background(), "reminder")
	assert.ErrorIs(t, err, work.ErrNotFound)

	resp, body = f.do(t, http.MethodPost, "/v1/work/recheck", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"rearmed":0}`, string(body))
}

func TestServer_enqueueDelayUsesProviderClock(t *testing.T) {
	rt, err := thread.NewRuntime()
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Add(48 * time.Hour)
	store := work.NewMemoryStore()
	backend, err := work.NewPollingBackend(store, work.WithPollingClock(mock))
	require.NoError(t, err)
	provider, err := work.NewProvider(backend,
		work.ResurrectorFunc(func(context.Context, work.TimedTask) error { return nil }),
		work.WithClock(mock),
	)
	require.NoError(t, err)
	srv, err := NewServer(rt, WithProvider(provider))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/work/tasks", "application/json",
		strings.NewReader(`{"key":"k","entry":"job","delay":"1h"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	rec, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, rec.EarliestAt.Equal(mock.Now().Add(time.Hour)), "earliest %s", rec.EarliestAt)
}

func TestServer_workErrors(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"syntax":       `{`,
		"no key":       `{"entry":"main"}`,
		"reserved key": `{"key":"` + work.RecheckKey + `"}`,
		"bad delay":    `{"key":"a","delay":"soon"}`,
		"bad window":   `{"key":"a","window":"wide"}`,
	} {
		resp, _ := f.do(t, http.MethodPost, "/v1/work/tasks", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestServer_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptloop_admin_test_total",
		Help: "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Inc()

	f := newFixture(t, WithGatherer(reg))
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scriptloop_admin_test_total 1")
}

func TestServer_serve(t *testing.T) {
	rt, err := thread.NewRuntime()
	require.NoError(t, err)
	srv, err := NewServer(rt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return")
	}
}
