package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlessly/analytics-go/pkg/event"
)

// sdkServer fakes the ingestion and flags endpoints behind one listener.
type sdkServer struct {
	mu      sync.Mutex
	events  []event.Event
	flags   map[string]any
	auths   []string
	flagReq []map[string]string
	srv     *httptest.Server
}

func newSDKServer(flags map[string]any) *sdkServer {
	s := &sdkServer{flags: flags}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.auths = append(s.auths, r.Header.Get("Authorization"))

		if strings.HasSuffix(r.URL.Path, "/flags") {
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			s.flagReq = append(s.flagReq, req)
			json.NewEncoder(w).Encode(map[string]any{"flags": s.flags})
			return
		}

		var body struct {
			Events []event.Event `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.events = append(s.events, body.Events...)
		w.WriteHeader(http.StatusOK)
	}))
	return s
}

func (s *sdkServer) received() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *sdkServer) flagRequests() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(s.flagReq))
	copy(out, s.flagReq)
	return out
}

func testClient(t *testing.T, srv *sdkServer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		APIKey:        "test-key",
		Endpoint:      srv.srv.URL,
		WSEndpoint:    "ws://" + strings.TrimPrefix(srv.srv.URL, "http://"),
		BatchSize:     100,
		FlushInterval: time.Hour,
		Persistence:   PersistenceMemory,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.srv.Close() })
	return c
}

func TestClient_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_TrackAndFlush(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.Track("signup", map[string]any{"plan": "pro"})
	c.Page("pricing", nil)
	require.NoError(t, c.Flush(context.Background()))

	got := srv.received()
	require.Len(t, got, 2)
	assert.Equal(t, event.KindTrack, got[0].Kind)
	assert.Equal(t, "signup", got[0].Name)
	assert.Equal(t, "pro", got[0].Properties["plan"])
	assert.Equal(t, event.KindPage, got[1].Kind)

	for _, ev := range got {
		assert.Equal(t, c.AnonymousID(), ev.AnonymousID)
		assert.NotEmpty(t, ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestClient_IdentifyStampsLaterEvents(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.Track("before", nil)
	c.Identify("user-42", map[string]any{"email": "a@b.c"})
	c.Track("after", nil)
	require.NoError(t, c.Flush(context.Background()))

	got := srv.received()
	require.Len(t, got, 3)
	assert.Empty(t, got[0].UserID)
	assert.Equal(t, event.KindIdentify, got[1].Kind)
	assert.Equal(t, "user-42", got[1].UserID)
	assert.Equal(t, "user-42", got[2].UserID)
	assert.Equal(t, "user-42", c.DistinctID())
}

func TestClient_CaptureExceptionIncludesStackAndBreadcrumbs(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.AddBreadcrumb("auth", "login ok", nil)
	c.AddBreadcrumb("nav", "opened settings", map[string]any{"tab": "billing"})
	c.CaptureException(errors.New("boom"), map[string]string{"module": "billing"}, nil)
	require.NoError(t, c.Flush(context.Background()))

	got := srv.received()
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, event.KindException, ev.Kind)
	assert.Equal(t, event.SeverityError, ev.Level)
	require.NotNil(t, ev.Exception)
	assert.Equal(t, "boom", ev.Exception.Message)
	assert.NotEmpty(t, ev.Exception.Frames)
	assert.Equal(t, "billing", ev.Tags["module"])
	require.Len(t, ev.Breadcrumbs, 2)
	assert.Equal(t, "auth", ev.Breadcrumbs[0].Category)
	assert.Equal(t, "nav", ev.Breadcrumbs[1].Category)
}

func TestClient_CaptureExceptionIgnoresNil(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.CaptureException(nil, nil, nil)
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, srv.received())
}

func TestClient_FirstFlushLoadsFlags(t *testing.T) {
	srv := newSDKServer(map[string]any{"new-dashboard": true, "variant": "b"})
	c := testClient(t, srv, nil)

	_, ok := c.GetFlag("new-dashboard")
	assert.False(t, ok)

	c.Track("anything", nil)
	require.NoError(t, c.Flush(context.Background()))

	assert.Eventually(t, func() bool {
		v, ok := c.GetFlag("new-dashboard")
		return ok && v == true
	}, time.Second, 5*time.Millisecond)

	reqs := srv.flagRequests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, c.DistinctID(), reqs[0]["distinctId"])
}

func TestClient_IsFeatureEnabledCapturesEvaluation(t *testing.T) {
	srv := newSDKServer(map[string]any{"beta": "variant-b"})
	c := testClient(t, srv, nil)

	c.ReloadFlags(context.Background())
	assert.True(t, c.IsFeatureEnabled("beta"))

	require.NoError(t, c.Flush(context.Background()))
	got := srv.received()
	require.Len(t, got, 1)
	assert.Equal(t, "$feature_flag_called", got[0].Name)
	assert.Equal(t, "beta", got[0].Properties["$feature_flag"])
	assert.Equal(t, "variant-b", got[0].Properties["$feature_flag_response"])
}

func TestClient_OptOutDropsEvents(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.OptOut()
	assert.True(t, c.OptedOut())
	c.Track("ignored", nil)
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, srv.received())

	c.OptIn()
	c.Track("kept", nil)
	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, srv.received(), 1)
	assert.Equal(t, "kept", srv.received()[0].Name)
}

func TestClient_ErrorHandlerReceivesTerminalFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer failing.Close()

	var mu sync.Mutex
	var sunk []error
	c, err := New(Config{
		APIKey:        "bad-key",
		Endpoint:      failing.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
		Persistence:   PersistenceMemory,
		ErrorHandler: func(e error) {
			mu.Lock()
			sunk = append(sunk, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	c.Track("doomed", nil)
	assert.Error(t, c.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sunk, 1)
}

func TestClient_CloseFlushesRemaining(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)

	c.Track("parting", nil)
	require.NoError(t, c.Close(context.Background()))
	require.Len(t, srv.received(), 1)
	assert.Equal(t, "parting", srv.received()[0].Name)
}

func TestClient_ConnectionStateStartsDisconnected(t *testing.T) {
	srv := newSDKServer(nil)
	c := testClient(t, srv, nil)
	assert.Equal(t, "disconnected", c.ConnectionState().String())
}
