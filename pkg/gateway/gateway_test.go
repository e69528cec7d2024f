package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/relay"
	"github.com/go-go-golems/tubechat/pkg/resource"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	failNext bool
	closed   bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return errors.New("broken pipe")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestConnectionPool_BroadcastDropsFailedConnections(t *testing.T) {
	pool := NewConnectionPool(time.Second)
	good := &stubConn{}
	bad := &stubConn{failNext: true}
	pool.Add(good)
	pool.Add(bad)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte(`{"type":"VIDEO_CHANGED"}`))
	require.Equal(t, 1, pool.Count())
	require.Len(t, good.writes, 1)
	require.True(t, bad.closed)

	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, good.closed)
}

func TestConnectionPool_NilSafe(t *testing.T) {
	var pool *ConnectionPool
	pool.Add(&stubConn{})
	pool.Broadcast([]byte("x"))
	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
}

type fakeNavigator struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeNavigator) Navigate(_ context.Context, contextID, location string) error {
	f.mu.Lock()
	f.seen = append(f.seen, contextID+"|"+location)
	f.mu.Unlock()
	return nil
}

func newGateway(t *testing.T, opts ...Option) (*httptest.Server, *Server) {
	t.Helper()
	qa := http.NewServeMux()
	qa.HandleFunc("/ask", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"It is about X","metadata":{"confidence":0.9}}`))
	})
	qa.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	qaSrv := httptest.NewServer(qa)
	t.Cleanup(qaSrv.Close)

	b, err := bus.Open(bus.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	svc, err := relay.New(context.Background(), relay.Options{
		Store:     statestore.NewInMemoryStore(),
		Endpoints: relay.EndpointConfig{QueryURL: qaSrv.URL + "/ask", HealthURL: qaSrv.URL + "/health"},
	})
	require.NoError(t, err)
	require.NoError(t, relay.BindBus(b, svc))

	gw := NewServer(bus.NewClient(b), opts...)
	require.NoError(t, gw.Attach())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv, gw
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

var talk = resource.Descriptor{ID: "dQw4w9WgXcQ", URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Title: "A talk", Channel: "Someone"}

func TestServer_DetectThenChat(t *testing.T) {
	srv, _ := newGateway(t)

	resp := postJSON(t, srv.URL+"/api/video", detectBody{VideoInfo: talk, ContextID: "tab-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/video")
	require.NoError(t, err)
	defer func() { _ = get.Body.Close() }()
	var current resource.Descriptor
	require.NoError(t, json.NewDecoder(get.Body).Decode(&current))
	require.Equal(t, talk.ID, current.ID)

	resp = postJSON(t, srv.URL+"/api/chat", bus.ChatRequestData{Message: "What is it about?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat bus.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.True(t, chat.Success)
	require.Equal(t, "It is about X", chat.Response)
	require.InDelta(t, 0.9, chat.Confidence, 1e-9)
}

func TestServer_StatusHealthAndEndpoint(t *testing.T) {
	srv, _ := newGateway(t)

	get, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer func() { _ = get.Body.Close() }()
	var st bus.APIStatus
	require.NoError(t, json.NewDecoder(get.Body).Decode(&st))
	require.True(t, st.IsConfigured)

	health, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	var h bus.HealthResult
	require.NoError(t, json.NewDecoder(health.Body).Decode(&h))
	require.Equal(t, "healthy", h.Status)

	resp := postJSON(t, srv.URL+"/api/endpoint", bus.SetEndpoint{Endpoint: "ftp://nope"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/endpoint", bus.SetEndpoint{Endpoint: "http://localhost:9000/ask"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MethodAndBodyChecks(t *testing.T) {
	srv, _ := newGateway(t)

	resp, err := http.Get(srv.URL + "/api/chat")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	bad, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)

	r := postJSON(t, srv.URL+"/api/navigate", navigateBody{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"})
	require.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
}

func TestServer_NavigateUsesNavigator(t *testing.T) {
	nav := &fakeNavigator{}
	srv, _ := newGateway(t, WithNavigator(nav))

	resp := postJSON(t, srv.URL+"/api/navigate", navigateBody{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", ContextID: "tab-9"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"tab-9|https://www.youtube.com/watch?v=dQw4w9WgXcQ"}, nav.seen)
}

func TestServer_WebsocketReceivesVideoChanged(t *testing.T) {
	srv, gw := newGateway(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return gw.Pool().Count() == 1 }, time.Second, 10*time.Millisecond)

	postJSON(t, srv.URL+"/api/video", detectBody{VideoInfo: talk})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env bus.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type != bus.TypeVideoChanged {
			continue
		}
		var vc bus.VideoChanged
		require.NoError(t, env.Decode(&vc))
		require.Equal(t, talk.ID, vc.VideoInfo.ID)
		return
	}
}
