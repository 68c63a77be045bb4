package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/checkd/checkd/internal/alerter"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	alerts    []alerter.Status
	reloadErr error
	reloads   int

	pausedID    string
	pausedUntil time.Time

	validate func(path string) (*definition.Alert, error)

	events []alerter.Event
}

func (f *fakeBackend) List(details bool) []alerter.Status {
	if !details {
		out := make([]alerter.Status, len(f.alerts))
		for i, a := range f.alerts {
			a.State = nil
			out[i] = a
		}
		return out
	}
	return f.alerts
}

func (f *fakeBackend) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeBackend) Pause(id string, until time.Time) (string, alerter.State, error) {
	if id != "/etc/checkd/alerts/disk.yaml" && id != "disk.yaml" {
		return "", alerter.State{}, alerter.ErrUnknownAlert
	}
	f.pausedID = "/etc/checkd/alerts/disk.yaml"
	f.pausedUntil = until
	return f.pausedID, alerter.State{PausedUntil: until}, nil
}

func (f *fakeBackend) Validate(path string) (*definition.Alert, error) {
	return f.validate(path)
}

func (f *fakeBackend) Ingest(_ context.Context, ev alerter.Event) (alerter.IngestResult, error) {
	f.events = append(f.events, ev)
	return alerter.IngestResult{Identity: "event:" + ev.Type, Notified: true}, nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(b *fakeBackend) *Server {
	s := NewServer(b, zerolog.Nop(), nil)
	s.now = func() time.Time { return fixedNow }
	return s
}

func call(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func TestHealth(t *testing.T) {
	w, out := call(t, newTestServer(&fakeBackend{}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListAlerts(t *testing.T) {
	b := &fakeBackend{alerts: []alerter.Status{
		{ID: "/a/disk.yaml", Name: "disk.yaml", Kind: "query", Enabled: true, State: &alerter.State{Triggered: true}},
	}}
	s := newTestServer(b)

	_, out := call(t, s, http.MethodGet, "/alerts", nil)
	alerts := out["alerts"].([]any)
	require.Len(t, alerts, 1)
	assert.NotContains(t, alerts[0], "state")

	_, out = call(t, s, http.MethodGet, "/alerts?details=true", nil)
	first := out["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, true, first["state"].(map[string]any)["triggered"])
}

func TestReload(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(b)
	w, out := call(t, s, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])

	b.reloadErr = errors.New("alert globs: syntax error")
	w, out = call(t, s, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "syntax error")
	assert.Equal(t, 2, b.reloads)
}

func TestPause(t *testing.T) {
	tests := []struct {
		name   string
		req    PauseRequest
		status int
		until  time.Time
	}{
		{"default is one week", PauseRequest{Alert: "disk.yaml"}, http.StatusOK, fixedNow.Add(7 * 24 * time.Hour)},
		{"explicit deadline", PauseRequest{Alert: "disk.yaml", Until: "2024-03-02T00:00:00Z"}, http.StatusOK, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"duration", PauseRequest{Alert: "disk.yaml", For: "2h"}, http.StatusOK, fixedNow.Add(2 * time.Hour)},
		{"unknown alert", PauseRequest{Alert: "nope.yaml"}, http.StatusNotFound, time.Time{}},
		{"missing alert", PauseRequest{}, http.StatusBadRequest, time.Time{}},
		{"bad deadline", PauseRequest{Alert: "disk.yaml", Until: "tomorrow"}, http.StatusBadRequest, time.Time{}},
		{"bad duration", PauseRequest{Alert: "disk.yaml", For: "-1h"}, http.StatusBadRequest, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{}
			w, out := call(t, newTestServer(b), http.MethodPost, "/alerts/pause", tt.req)
			require.Equal(t, tt.status, w.Code, out)
			if tt.status != http.StatusOK {
				assert.Equal(t, false, out["success"])
				assert.NotEmpty(t, out["error"])
				return
			}
			assert.Equal(t, "/etc/checkd/alerts/disk.yaml", out["alert"])
			assert.True(t, tt.until.Equal(b.pausedUntil), "paused until %s", b.pausedUntil)
		})
	}
}

func TestValidate(t *testing.T) {
	b := &fakeBackend{validate: func(path string) (*definition.Alert, error) {
		if strings.HasSuffix(path, "good.yaml") {
			return &definition.Alert{
				ID:       path,
				Interval: time.Minute,
				Source:   &definition.QuerySource{SQL: "select 1"},
				Send:     []definition.Send{{TargetID: "ops"}},
			}, nil
		}
		return nil, &definition.FileError{
			Path:     path,
			Err:      definition.ErrUnresolvedTarget,
			Problems: []string{`send[0]: unknown target "dba"`, "interval must be at least 1s"},
		}
	}}
	s := newTestServer(b)

	w, out := call(t, s, http.MethodPost, "/validate", ValidateRequest{Path: "/x/good.yaml"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "query", out["kind"])
	assert.Equal(t, []any{"ops"}, out["targets"])

	w, out = call(t, s, http.MethodPost, "/validate", ValidateRequest{Path: "/x/bad.yaml"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, definition.ErrUnresolvedTarget.Error(), out["error"])
	assert.Len(t, out["details"], 2)

	w, _ = call(t, s, http.MethodPost, "/validate", ValidateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents(t *testing.T) {
	b := &fakeBackend{}
	s := newTestServer(b)
	w, out := call(t, s, http.MethodPost, "/events", map[string]any{"type": "backup", "subject": "done", "size": 12})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "event:backup", out["identity"])
	assert.Equal(t, []any{}, out["matched"])
	require.Len(t, b.events, 1)
	assert.Equal(t, "api", b.events[0].Source)
	assert.Equal(t, "done", b.events[0].Payload["subject"])

	_, _ = call(t, s, http.MethodPost, "/events?type=deploy", map[string]any{"message": "v2"})
	assert.Equal(t, "deploy", b.events[1].Type)

	r := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogs(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	buf := logging.NewBuffer(10)
	_, _ = buf.Write([]byte(`{"level":"info","message":"one"}`))
	_, _ = buf.Write([]byte(`{"level":"error","message":"two"}`))
	s.SetLogBuffer(buf)

	_, out := call(t, s, http.MethodGet, "/logs?level=warn", nil)
	entries := out["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].(map[string]any)["message"])

	w, _ := call(t, s, http.MethodGet, "/logs?n=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeBackend{})
	call(t, s, http.MethodGet, "/health", nil)
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "checkd_http_requests_total")
}

func TestStartNeedsOneAddress(t *testing.T) {
	s := NewServer(&fakeBackend{}, zerolog.Nop(), []string{"127.0.0.1:99999", "127.0.0.1:0"})
	require.NoError(t, s.Start())
	require.NoError(t, s.Shutdown(context.Background()))

	s = NewServer(&fakeBackend{}, zerolog.Nop(), []string{"127.0.0.1:99999"})
	assert.ErrorIs(t, s.Start(), ErrNoListener)
}

func TestClientFallsBackToNextAddress(t *testing.T) {
	b := &fakeBackend{
		alerts: []alerter.Status{{ID: "/a/disk.yaml", Name: "disk.yaml", Enabled: true}},
		validate: func(path string) (*definition.Alert, error) {
			return nil, &definition.FileError{Path: path, Err: definition.ErrNoDefinition, Problems: []string{"file is empty"}}
		},
	}
	ts := httptest.NewServer(newTestServer(b).Handler())
	defer ts.Close()

	// closed listener first
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	c := NewClient([]string{deadAddr, strings.TrimPrefix(ts.URL, "http://")}, 5*time.Second)
	ctx := context.Background()

	alerts, err := c.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "disk.yaml", alerts[0].Name)

	pr, err := c.Pause(ctx, PauseRequest{Alert: "disk.yaml", For: "1h"})
	require.NoError(t, err)
	assert.True(t, fixedNow.Add(time.Hour).Equal(pr.PausedUntil))

	_, err = c.Pause(ctx, PauseRequest{Alert: "missing.yaml"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.Validate(ctx, "/x/empty.yaml")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"file is empty"}, apiErr.Details)
	assert.Contains(t, err.Error(), "file is empty")

	ev, err := c.SendEvent(ctx, map[string]any{"type": "backup", "message": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "event:backup", ev.Identity)
}

func TestClientReportsUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	err := NewClient([]string{addr}, time.Second).Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach checkd")
}
