package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
	"github.com/mattjoyce/snapsvc/internal/domain"
	"github.com/mattjoyce/snapsvc/internal/events"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
	"github.com/mattjoyce/snapsvc/internal/log"
	"github.com/mattjoyce/snapsvc/internal/worker"
)

const (
	adminKey    = "admin-key"
	watchToken  = "watch-token"
	grumpyToken = "grumpy-token"
	echoKey    = component.Key("svc/echo")
	grumpyKey  = component.Key("svc/grumpy")
)

func TestMain(m *testing.M) {
	log.Setup("disabled", "json")
	os.Exit(m.Run())
}

type fixture struct {
	server *Server
	hub    *events.Hub
	d      *dispatch.Dispatcher
	ran    chan component.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{hub: events.NewHub(64), ran: make(chan component.Request, 16)}

	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(echoKey, func(key component.Key, host worker.Host) (worker.Service, error) {
		return worker.Funcs{
			Run: func(ctx context.Context, req component.Request) error {
				f.ran <- req
				return nil
			},
			Bind: func(ctx context.Context, req component.Request) (any, error) {
				return map[string]string{"echo": "ready"}, nil
			},
		}, nil
	}))
	require.NoError(t, reg.Register(grumpyKey, func(key component.Key, host worker.Host) (worker.Service, error) {
		return worker.Funcs{
			Bind: func(ctx context.Context, req component.Request) (any, error) {
				return nil, errors.New("go away")
			},
		}, nil
	}))

	f.d = dispatch.New(dispatch.Options{
		Registry:   reg,
		Hub:        f.hub,
		Presenters: foreground.Pool(foreground.DefaultSlots, events.NewPresenter(f.hub)),
		Classifier: domain.NewClassifier(domain.Static("snapsvc"), ""),
	})
	require.NoError(t, f.d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.d.Stop(ctx)
	})

	srv, err := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: watchToken, Scopes: []string{"events:ro", "work:ro"}},
			{Token: grumpyToken, Scopes: []string{"work:rw", "events:ro"}, Keys: []string{"svc/grumpy"}},
		},
	}, f.d, f.hub, nil, log.WithComponent("api"))
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, component.Primary, resp.Domain)
	assert.Equal(t, 4, resp.FreeSlots)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/workers", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/workers", token: "nope", want: http.StatusUnauthorized},
		{name: "read scope can list", method: http.MethodGet, path: "/workers", token: watchToken, want: http.StatusOK},
		{name: "read scope cannot submit", method: http.MethodPost, path: "/submit/svc/echo", token: watchToken, want: http.StatusForbidden},
		{name: "admin can submit", method: http.MethodPost, path: "/submit/svc/echo", token: adminKey, want: http.StatusAccepted},
		{name: "key-limited token outside its keys", method: http.MethodPost, path: "/submit/svc/echo", token: grumpyToken, want: http.StatusForbidden},
		{name: "key-limited token inside its keys", method: http.MethodPost, path: "/submit/svc/grumpy", token: grumpyToken, want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/submit/svc/echo", adminKey, map[string]any{
		"action":  "say",
		"payload": map[string]any{"word": "hi"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, echoKey, resp.Worker)
	assert.Equal(t, component.Primary, resp.Domain)

	select {
	case req := <-f.ran:
		assert.Equal(t, "say", req.Action)
		assert.Equal(t, "hi", req.Payload["word"])
	case <-time.After(2 * time.Second):
		t.Fatal("submitted request never ran")
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{name: "payload not an object", path: "/submit/svc/echo", body: map[string]any{"payload": []int{1}}},
		{name: "unknown domain", path: "/submit/svc/echo", body: map[string]any{"domain": "tertiary"}},
		{name: "missing key", path: "/submit/", body: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestSubmitUsesConfiguredDomain(t *testing.T) {
	f := newFixture(t)
	f.server.domainFor = func(key component.Key) (component.Domain, bool) {
		return component.Secondary, key == echoKey
	}

	rr := f.do(t, http.MethodPost, "/submit/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, component.Secondary, resp.Domain)

	rr = f.do(t, http.MethodPost, "/submit/svc/echo", adminKey, map[string]any{"domain": "primary"})
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, component.Primary, resp.Domain, "explicit domain wins")
}

func TestBindLifecycle(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/bind/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var bound BindResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bound))
	require.NotEmpty(t, bound.ConnectionID)
	assert.Equal(t, map[string]any{"echo": "ready"}, bound.Capability)

	rr = f.do(t, http.MethodGet, "/workers", watchToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st dispatch.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Len(t, st.Workers, 1)
	assert.Equal(t, []string{bound.ConnectionID}, st.Workers[0].Connections)

	rr = f.do(t, http.MethodGet, "/connections", watchToken, nil)
	assert.Contains(t, rr.Body.String(), bound.ConnectionID)

	rr = f.do(t, http.MethodDelete, "/connections/"+bound.ConnectionID, adminKey, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	assert.Eventually(t, func() bool {
		st, ok := f.d.Snapshot()
		return ok && len(st.Workers) == 0
	}, 2*time.Second, 10*time.Millisecond, "unbound idle worker should be destroyed")

	rr = f.do(t, http.MethodDelete, "/connections/"+bound.ConnectionID, adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBindRefused(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/bind/svc/grumpy", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, f.server.connections())

	rr = f.do(t, http.MethodPost, "/bind/svc/unknown", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestForeground(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/foreground/svc/echo", adminKey, ForegroundRequest{ID: 1, Title: "x"})
	assert.Equal(t, http.StatusConflict, rr.Code, "no live worker yet")

	rr = f.do(t, http.MethodPost, "/bind/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/foreground/svc/echo", adminKey, ForegroundRequest{ID: 1, Title: "x"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	st, ok := f.d.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 3, st.FreeSlots)

	rr = f.do(t, http.MethodDelete, "/foreground/svc/echo", adminKey, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, "/foreground/svc/echo", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNewRejectsBadToken(t *testing.T) {
	_, err := New(Config{Tokens: []auth.TokenConfig{{Token: "t", Scopes: []string{"root"}}}}, nil, nil, nil, log.WithComponent("api"))
	assert.Error(t, err)
}

func TestKeyLimitedTokenSeesOnlyItsWorkers(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/bind/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var bound BindResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bound))

	rr = f.do(t, http.MethodGet, "/workers", grumpyToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st dispatch.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Empty(t, st.Workers)

	rr = f.do(t, http.MethodGet, "/connections", grumpyToken, nil)
	assert.NotContains(t, rr.Body.String(), bound.ConnectionID)

	rr = f.do(t, http.MethodDelete, "/connections/"+bound.ConnectionID, grumpyToken, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestFireHandle(t *testing.T) {
	f := newFixture(t)

	h, err := f.d.GenerateDeferredHandle(component.Request{Target: echoKey, Action: "tapped", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/handles/fire", grumpyToken, FireRequest{Handle: h})
	assert.Equal(t, http.StatusForbidden, rr.Code, "token limited to other workers")

	rr = f.do(t, http.MethodPost, "/handles/fire", adminKey, FireRequest{Handle: h})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, echoKey, resp.Worker)
	assert.Equal(t, "tapped", resp.Action)

	select {
	case req := <-f.ran:
		assert.Equal(t, "tapped", req.Action)
		assert.Equal(t, 1, req.Payload["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("fired handle never ran")
	}

	tests := []struct {
		name string
		body any
	}{
		{name: "missing handle", body: map[string]any{}},
		{name: "garbage handle", body: FireRequest{Handle: &forward.Handle{Envelope: []byte("junk")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/handles/fire", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

// A presentation's action handle, as published on the event feed, can be
// posted back to fire its work.
func TestForegroundActionRoundTrip(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/bind/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/foreground/svc/echo", adminKey, ForegroundRequest{
		ID:      1,
		Title:   "x",
		Actions: []ForegroundAction{{Label: "Stop", Interaction: Interaction{Action: "stop", Payload: json.RawMessage(`{"why":"user"}`)}}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var update struct {
		Worker     component.Key          `json:"worker"`
		Descriptor *foreground.Descriptor `json:"descriptor"`
	}
	for _, ev := range f.hub.SnapshotSince(0) {
		if ev.Type == events.PresentationUpdate {
			require.NoError(t, json.Unmarshal(ev.Data, &update))
		}
	}
	require.NotNil(t, update.Descriptor)
	assert.Equal(t, echoKey, update.Worker)
	require.Len(t, update.Descriptor.Actions, 1)
	assert.Equal(t, "Stop", update.Descriptor.Actions[0].Label)

	rr = f.do(t, http.MethodPost, "/handles/fire", adminKey, FireRequest{Handle: update.Descriptor.Actions[0].Handle})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	select {
	case req := <-f.ran:
		assert.Equal(t, "stop", req.Action)
		assert.Equal(t, echoKey, req.Target)
		assert.Equal(t, "user", req.Payload["why"])
	case <-time.After(2 * time.Second):
		t.Fatal("action handle never ran")
	}
}

func TestForegroundRejectsBadInteractions(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/bind/svc/echo", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	tests := []struct {
		name string
		body ForegroundRequest
	}{
		{name: "action without label", body: ForegroundRequest{ID: 1, Actions: []ForegroundAction{{Interaction: Interaction{Action: "x"}}}}},
		{name: "bad domain", body: ForegroundRequest{ID: 1, Content: &Interaction{Domain: "tertiary"}}},
		{name: "payload not an object", body: ForegroundRequest{ID: 1, Delete: &Interaction{Payload: json.RawMessage(`[1]`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/foreground/svc/echo", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestEventFilter(t *testing.T) {
	ev := func(typ, data string) events.Event { return events.Event{Type: typ, Data: []byte(data)} }
	tests := []struct {
		name   string
		filter eventFilter
		ev     events.Event
		want   bool
	}{
		{"no filter", eventFilter{}, ev("worker.created", `{"worker":"a"}`), true},
		{"type prefix match", eventFilter{types: []string{"worker."}}, ev("worker.created", `{}`), true},
		{"type prefix miss", eventFilter{types: []string{"bind."}}, ev("worker.created", `{}`), false},
		{"worker match", eventFilter{worker: "a"}, ev("work.enqueued", `{"worker":"a"}`), true},
		{"worker miss", eventFilter{worker: "a"}, ev("work.enqueued", `{"worker":"b"}`), false},
		{"restricted token reaches", eventFilter{principal: auth.Principal{Keys: []string{"svc/"}}}, ev("x", `{"worker":"svc/a"}`), true},
		{"restricted token blocked", eventFilter{principal: auth.Principal{Keys: []string{"svc/"}}}, ev("x", `{"worker":"plugin/a"}`), false},
		{"restricted token, no worker", eventFilter{principal: auth.Principal{Keys: []string{"svc/"}}}, ev("x", `{}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.match(tt.ev))
		})
	}
}

func TestEventsReplay(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(events.WorkEnqueued, map[string]any{"worker": "svc/echo"})

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+watchToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		if scanner.Text() == "event: "+events.WorkEnqueued {
			sawEvent = true
			break
		}
	}
	assert.True(t, sawEvent)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}
