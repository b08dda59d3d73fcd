package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/channel"
	"courier/internal/message"
	"courier/internal/scheduling"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

var t0 = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return t0 }

type tickState bool

func (t tickState) Running() bool { return bool(t) }

type apiFixture struct {
	srv   *httptest.Server
	store *storage.Memory
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemory(fixedClock{})
	dir := channel.NewDirectory([]channel.Channel{
		{ID: "mail", OwnerID: "alice", Kind: channel.KindEmail},
		{ID: "tg", OwnerID: "bob", Kind: channel.KindTelegram},
	})
	svc := scheduling.New(store, dir, fixedClock{}, logx.Nop(), nil)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "courier_test_total", Help: "test"}))

	srv := httptest.NewServer(NewRouter(Options{
		Messages: svc,
		Ticks:    tickState(true),
		Log:      logx.Nop(),
		Gatherer: reg,
	}))
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, owner string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *apiFixture) schedule(t *testing.T) string {
	t.Helper()
	resp, out := f.do(t, http.MethodPost, "/v1/scheduled-messages", "alice", map[string]any{
		"channel_id":    "mail",
		"recipients":    []string{"a@example.com"},
		"subject":       "hi",
		"body":          "there",
		"scheduled_for": t0.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", out)
	return out["id"].(string)
}

func TestScheduleAndGet(t *testing.T) {
	f := newAPI(t)
	id := f.schedule(t)

	resp, out := f.do(t, http.MethodGet, "/v1/scheduled-messages/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, out["id"])
	assert.Equal(t, "PENDING", out["status"])
	assert.EqualValues(t, 3, out["max_retries"])

	resp, _ = f.do(t, http.MethodGet, "/v1/scheduled-messages/"+id, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingOwnerIsUnauthorized(t *testing.T) {
	f := newAPI(t)
	resp, out := f.do(t, http.MethodGet, "/v1/scheduled-messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", out["error"].(map[string]any)["code"])
}

func TestScheduleErrors(t *testing.T) {
	f := newAPI(t)
	valid := func(mut func(m map[string]any)) map[string]any {
		m := map[string]any{
			"channel_id":    "mail",
			"recipients":    []string{"a@example.com"},
			"body":          "x",
			"scheduled_for": t0.Add(time.Hour),
		}
		mut(m)
		return m
	}

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "past", body: valid(func(m map[string]any) { m["scheduled_for"] = t0.Add(-time.Minute) }), status: http.StatusBadRequest, code: "invalid_argument"},
		{name: "foreign channel", body: valid(func(m map[string]any) { m["channel_id"] = "tg" }), status: http.StatusForbidden, code: "forbidden"},
		{name: "no recipients", body: valid(func(m map[string]any) { m["recipients"] = []string{} }), status: http.StatusBadRequest, code: "validation_failed"},
		{name: "no time", body: valid(func(m map[string]any) { delete(m, "scheduled_for") }), status: http.StatusBadRequest, code: "validation_failed"},
		{name: "unknown field", body: valid(func(m map[string]any) { m["priority"] = 1 }), status: http.StatusBadRequest, code: "invalid_body"},
		{name: "garbage", body: "{not json", status: http.StatusBadRequest, code: "invalid_body"},
		{name: "two objects", body: `{"channel_id":"mail"} {}`, status: http.StatusBadRequest, code: "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.do(t, http.MethodPost, "/v1/scheduled-messages", "alice", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			require.NotNil(t, out["error"])
			assert.Equal(t, tt.code, out["error"].(map[string]any)["code"])
		})
	}
}

func TestListFilters(t *testing.T) {
	f := newAPI(t)
	first := f.schedule(t)
	f.schedule(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/scheduled-messages/"+first+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := f.do(t, http.MethodGet, "/v1/scheduled-messages", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["count"])

	resp, out = f.do(t, http.MethodGet, "/v1/scheduled-messages?status=cancelled", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["count"])

	resp, _ = f.do(t, http.MethodGet, "/v1/scheduled-messages?status=nope", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/scheduled-messages?channel_id=tg", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, out = f.do(t, http.MethodGet, "/v1/scheduled-messages", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, out["count"])
	assert.Equal(t, []any{}, out["items"])
}

func TestUpdateCancelRetry(t *testing.T) {
	f := newAPI(t)
	id := f.schedule(t)

	resp, out := f.do(t, http.MethodPatch, "/v1/scheduled-messages/"+id, "alice", map[string]any{"subject": "new"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", out["subject"])

	resp, _ = f.do(t, http.MethodPost, "/v1/scheduled-messages/"+id+"/retry", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, out = f.do(t, http.MethodPost, "/v1/scheduled-messages/"+id+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", out["status"])

	resp, _ = f.do(t, http.MethodPost, "/v1/scheduled-messages/"+id+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPatch, "/v1/scheduled-messages/"+id, "alice", map[string]any{"body": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	failed := f.schedule(t)
	require.NoError(t, f.store.UpdateStatus(context.Background(), failed, message.StatusFailed, message.StatusUpdate{
		RetryCount: message.Ptr(3),
		LastError:  message.Ptr("boom"),
	}))
	resp, out = f.do(t, http.MethodPost, "/v1/scheduled-messages/"+failed+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", out["status"])
	assert.EqualValues(t, 0, out["retry_count"])
	_, hasErr := out["last_error"]
	assert.False(t, hasErr)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t)
	resp, out := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, true, out["tick_running"])

	mresp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(mresp.Body)
	assert.Contains(t, buf.String(), "courier_test_total")
}

type panicky struct{ Messages }

func (panicky) Get(context.Context, string, string) (*message.ScheduledMessage, error) {
	panic("boom")
}

func TestInternalErrors(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Options{Messages: errMessages{}}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/scheduled-messages/x/cancel", nil)
	req.Header.Set(OwnerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	psrv := httptest.NewServer(NewRouter(Options{Messages: panicky{}}))
	defer psrv.Close()
	req, _ = http.NewRequest(http.MethodGet, psrv.URL+"/v1/scheduled-messages/x", nil)
	req.Header.Set(OwnerHeader, "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type errMessages struct{ Messages }

func (errMessages) Cancel(context.Context, string, string) (*message.ScheduledMessage, error) {
	return nil, fmt.Errorf("store: %w", context.DeadlineExceeded)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, http.NotFoundHandler(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
