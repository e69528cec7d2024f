package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/resource"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

type qaServer struct {
	*httptest.Server
	calls   atomic.Int32
	lastReq QueryRequest
	lastUA  string
	mu      sync.Mutex
}

func newQAServer(t *testing.T, handler func(w http.ResponseWriter, req QueryRequest)) *qaServer {
	t.Helper()
	qs := &qaServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		qs.calls.Add(1)
		var req QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		qs.mu.Lock()
		qs.lastReq = req
		qs.lastUA = r.UserAgent()
		qs.mu.Unlock()
		handler(w, req)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"stub"}`))
	})
	qs.Server = httptest.NewServer(mux)
	t.Cleanup(qs.Close)
	return qs
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newService(t *testing.T, store statestore.Store, endpoints EndpointConfig) *Service {
	t.Helper()
	if store == nil {
		store = statestore.NewInMemoryStore()
	}
	svc, err := New(context.Background(), Options{Store: store, Endpoints: endpoints})
	require.NoError(t, err)
	return svc
}

var video = resource.Descriptor{ID: "dQw4w9WgXcQ", URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Title: "A talk", Channel: "Someone"}

func TestRecordDetectedResource_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewInMemoryStore()
	svc := newService(t, store, EndpointConfig{})

	ids := []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"}
	for _, id := range ids {
		require.NoError(t, svc.RecordDetectedResource(ctx, resource.Descriptor{ID: id}, nil))
		require.Equal(t, id, svc.CurrentResource().ID)
	}

	var stored resource.Descriptor
	ok, err := store.Get(ctx, statestore.KeyCurrentVideo, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ccccccccccc", stored.ID)
	require.Equal(t, resource.PlaceholderTitle, stored.Title)

	err = svc.RecordDetectedResource(ctx, resource.Descriptor{}, nil)
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindExtractionFailure, f.Kind)
	require.Equal(t, "ccccccccccc", svc.CurrentResource().ID)
}

type recordingSinks struct {
	mu      sync.Mutex
	changed []string
	badges  []string
}

func (r *recordingSinks) ResourceChanged(_ context.Context, d resource.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, d.ID)
}

func (r *recordingSinks) SetBadge(_ context.Context, contextID, text, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badges = append(r.badges, contextID+"="+text)
}

func TestRecordDetectedResource_NotifiesListenerAndBadge(t *testing.T) {
	sinks := &recordingSinks{}
	svc, err := New(context.Background(), Options{Store: statestore.NewInMemoryStore(), Listener: sinks, Badges: sinks})
	require.NoError(t, err)

	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, &Origin{ContextID: "tab-1"}))
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))
	require.Equal(t, []string{video.ID, video.ID}, sinks.changed)
	require.Equal(t, []string{"tab-1=" + BadgeText}, sinks.badges)

	svc.HandleTabUpdate(context.Background(), ViewingContext{ID: "tab-1", URL: "https://example.com"}, true)
	svc.HandleTabUpdate(context.Background(), ViewingContext{ID: "tab-1", URL: "https://example.com"}, false)
	svc.HandleTabUpdate(context.Background(), ViewingContext{ID: "tab-1", URL: video.URL}, true)
	require.Equal(t, []string{"tab-1=" + BadgeText, "tab-1="}, sinks.badges)
}

func TestAsk_NotConfiguredMakesNoCall(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) { writeJSON(w, QueryResponse{Response: "x"}) })
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})
	ctx := context.Background()
	require.NoError(t, svc.RecordDetectedResource(ctx, video, nil))
	require.NoError(t, svc.SetEndpoint(ctx, ""))
	require.False(t, svc.Status().IsConfigured)

	_, err := svc.Ask(ctx, AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindNotConfigured, f.Kind)
	require.Equal(t, MsgNotConfigured, f.Message)
	require.Equal(t, int32(0), qs.calls.Load())
}

func TestAsk_NoResourceMakesNoCall(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) { writeJSON(w, QueryResponse{Response: "x"}) })
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})

	_, err := svc.Ask(context.Background(), AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindNoResource, f.Kind)
	require.Equal(t, MsgNoResource, f.Message)
	require.Equal(t, int32(0), qs.calls.Load())
}

func TestAsk_SuccessBuildsRequestAndReadsMetadata(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) {
		writeJSON(w, map[string]any{
			"response": "The video discusses X",
			"metadata": map[string]any{"confidence": 0.9, "processing_time": 1.25},
		})
	})
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})
	ctx := context.Background()
	require.NoError(t, svc.RecordDetectedResource(ctx, video, nil))

	var history []HistoryEntry
	for i := 0; i < 15; i++ {
		history = append(history, HistoryEntry{Text: string(rune('a' + i)), Sender: "user", Timestamp: int64(i)})
	}
	ans, err := svc.Ask(ctx, AskRequest{Message: "What is it about?", History: history})
	require.NoError(t, err)
	require.Equal(t, "The video discusses X", ans.Response)
	require.InDelta(t, 0.9, ans.Confidence, 1e-9)
	require.InDelta(t, 1.25, ans.ProcessingTime, 1e-9)
	require.Equal(t, int32(1), qs.calls.Load())

	qs.mu.Lock()
	defer qs.mu.Unlock()
	require.Equal(t, DefaultUserAgent, qs.lastUA)
	require.Equal(t, "What is it about?", qs.lastReq.Message)
	require.Equal(t, video.ID, qs.lastReq.Video.ID)
	require.Len(t, qs.lastReq.ConversationHistory, DefaultHistoryLimit)
	require.Equal(t, "f", qs.lastReq.ConversationHistory[0].Text)
}

func TestAsk_DefaultsWhenMetadataMissing(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) { writeJSON(w, map[string]any{"response": ""}) })
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))

	ans, err := svc.Ask(context.Background(), AskRequest{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "No response received from API", ans.Response)
	require.InDelta(t, DefaultConfidence, ans.Confidence, 1e-9)
}

func TestAsk_RemoteError(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))

	_, err := svc.Ask(context.Background(), AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindRemoteError, f.Kind)
	require.Equal(t, http.StatusInternalServerError, f.StatusCode)
	require.Equal(t, MsgRemoteError, f.Message)
	require.Equal(t, int32(1), qs.calls.Load())
}

func TestAsk_UndecodableBodyIsRemoteError(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) { _, _ = w.Write([]byte("not json")) })
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask"})
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))

	_, err := svc.Ask(context.Background(), AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindRemoteError, f.Kind)
	require.Equal(t, http.StatusOK, f.StatusCode)
}

func TestAsk_ConnectionError(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) {})
	endpoint := qs.URL + "/ask"
	qs.Close()

	svc := newService(t, nil, EndpointConfig{QueryURL: endpoint})
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))

	_, err := svc.Ask(context.Background(), AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindConnectionError, f.Kind)
	require.Contains(t, f.Message, "Could not connect to the RAG API server")
	require.Contains(t, f.Message, hostOf(endpoint))
}

func TestAsk_TimeoutIsConnectionError(t *testing.T) {
	release := make(chan struct{})
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) { <-release })
	defer close(release)

	svc, err := New(context.Background(), Options{
		Store:      statestore.NewInMemoryStore(),
		Endpoints:  EndpointConfig{QueryURL: qs.URL + "/ask"},
		AskTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, svc.RecordDetectedResource(context.Background(), video, nil))

	_, err = svc.Ask(context.Background(), AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindConnectionError, f.Kind)
}

func TestCheckHealth(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) {})
	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask", HealthURL: qs.URL + "/health"})

	h := svc.CheckHealth(context.Background())
	require.True(t, h.Healthy())
	require.JSONEq(t, `{"status":"healthy","service":"stub"}`, string(h.Data))

	svc = newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask", HealthURL: qs.URL + "/nope"})
	h = svc.CheckHealth(context.Background())
	require.Equal(t, "unhealthy", h.Status)
	require.Equal(t, http.StatusNotFound, h.Code)

	qs.Close()
	h = svc.CheckHealth(context.Background())
	require.Equal(t, "unreachable", h.Status)
}

func TestSetEndpoint_ValidatesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewInMemoryStore()
	svc := newService(t, store, EndpointConfig{})
	require.Equal(t, DefaultQueryURL, svc.Status().APIEndpoint)

	require.Error(t, svc.SetEndpoint(ctx, "not a url"))
	require.Error(t, svc.SetEndpoint(ctx, "ftp://host/ask"))
	require.NoError(t, svc.SetEndpoint(ctx, "  https://qa.example.com/ask  "))
	require.Equal(t, Status{APIEndpoint: "https://qa.example.com/ask", IsConfigured: true}, svc.Status())
	require.Equal(t, DefaultHealthURL, svc.Endpoints().HealthURL)

	reloaded := newService(t, store, EndpointConfig{})
	require.Equal(t, "https://qa.example.com/ask", reloaded.Status().APIEndpoint)
}

func TestNew_WritesInstallMetadataOnce(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewInMemoryStore()
	first := time.UnixMilli(1_000)

	_, err := New(ctx, Options{Store: store, Version: "1.0.0", Now: func() time.Time { return first }})
	require.NoError(t, err)
	_, err = New(ctx, Options{Store: store, Version: "1.1.0", Now: func() time.Time { return first.Add(time.Hour) }})
	require.NoError(t, err)

	var installed int64
	ok, err := store.Get(ctx, statestore.KeyInstallDate, &installed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1_000), installed)

	var version string
	_, err = store.Get(ctx, statestore.KeyVersion, &version)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", version)
}

type stubQuerier struct {
	d   resource.Descriptor
	err error
}

func (q stubQuerier) CurrentVideo(context.Context, string) (resource.Descriptor, error) {
	return q.d, q.err
}

func TestHandleTabFocusChange(t *testing.T) {
	ctx := context.Background()
	sinks := &recordingSinks{}
	svc, err := New(ctx, Options{Store: statestore.NewInMemoryStore(), Badges: sinks, Querier: stubQuerier{d: video}})
	require.NoError(t, err)

	svc.HandleTabFocusChange(ctx, ViewingContext{ID: "tab-2", URL: "https://example.com"})
	require.False(t, svc.CurrentResource().HasIdentity())

	svc.HandleTabFocusChange(ctx, ViewingContext{ID: "tab-2", URL: video.URL})
	require.Equal(t, video.ID, svc.CurrentResource().ID)
	require.Equal(t, []string{"tab-2=" + BadgeText}, sinks.badges)

	svc.SetQuerier(stubQuerier{err: errors.New("no observer")})
	svc.HandleTabFocusChange(ctx, ViewingContext{ID: "tab-3", URL: "https://youtu.be/zzzzzzzzzzz"})
	require.Equal(t, video.ID, svc.CurrentResource().ID)
}

func TestBindBus_ChatRoundTrip(t *testing.T) {
	qs := newQAServer(t, func(w http.ResponseWriter, _ QueryRequest) {
		writeJSON(w, map[string]any{"response": "Maybe Y", "metadata": map[string]any{"confidence": 0.4}})
	})
	b, err := bus.Open(bus.DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	svc := newService(t, nil, EndpointConfig{QueryURL: qs.URL + "/ask", HealthURL: qs.URL + "/health"})
	require.NoError(t, BindBus(b, svc))

	changed := make(chan string, 4)
	client := bus.NewClient(b)
	require.NoError(t, client.Notifications(func(_ context.Context, env bus.Envelope) {
		if env.Type != bus.TypeVideoChanged {
			return
		}
		var vc bus.VideoChanged
		if env.Decode(&vc) == nil {
			changed <- vc.VideoInfo.ID
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	resp, err := client.Chat(ctx, "hi", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, string(KindNoResource), resp.Kind)
	require.Equal(t, MsgNoResource, resp.Response)

	require.NoError(t, client.DetectVideo(ctx, video, "tab-1"))
	select {
	case id := <-changed:
		require.Equal(t, video.ID, id)
	case <-time.After(time.Second):
		t.Fatal("no VIDEO_CHANGED notification")
	}

	resp, err = client.Chat(ctx, "hi", []bus.HistoryEntry{{Text: "earlier", Sender: "user", Timestamp: 1}})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "Maybe Y", resp.Response)
	require.InDelta(t, 0.4, resp.Confidence, 1e-9)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.IsConfigured)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.True(t, health.Success)

	require.Error(t, client.SetEndpoint(ctx, "nope"))

	cur, err := client.CurrentVideo(ctx, "")
	require.NoError(t, err)
	require.Equal(t, video.ID, cur.ID)
}

func TestBindBus_LastVideoChangedIsLastDetection(t *testing.T) {
	b, err := bus.Open(bus.DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	svc := newService(t, nil, EndpointConfig{})
	require.NoError(t, BindBus(b, svc))

	const n = 20
	changed := make(chan string, n)
	client := bus.NewClient(b)
	require.NoError(t, client.Notifications(func(_ context.Context, env bus.Envelope) {
		var vc bus.VideoChanged
		if env.Type == bus.TypeVideoChanged && env.Decode(&vc) == nil {
			changed <- vc.VideoInfo.ID
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	var last string
	for i := 0; i < n; i++ {
		last = fmt.Sprintf("vid%08d", i)
		require.NoError(t, client.DetectVideo(ctx, resource.Descriptor{ID: last, Title: last}, "tab-1"))
	}
	var got string
	for i := 0; i < n; i++ {
		select {
		case got = <-changed:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d notifications delivered", i)
		}
	}
	require.Equal(t, last, got)
	require.Equal(t, last, svc.CurrentResource().ID)
}

type blockingQuerier struct {
	deadline chan bool
}

func (q blockingQuerier) CurrentVideo(ctx context.Context, _ string) (resource.Descriptor, error) {
	_, ok := ctx.Deadline()
	q.deadline <- ok
	<-ctx.Done()
	return resource.Descriptor{}, ctx.Err()
}

func TestHandleTabFocusChange_SilentContextIsBounded(t *testing.T) {
	ctx := context.Background()
	q := blockingQuerier{deadline: make(chan bool, 1)}
	svc, err := New(ctx, Options{Store: statestore.NewInMemoryStore(), Querier: q, FocusTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	started := time.Now()
	svc.HandleTabFocusChange(ctx, ViewingContext{ID: "tab-9", URL: video.URL})
	require.Less(t, time.Since(started), time.Second)
	require.True(t, <-q.deadline)
	require.False(t, svc.CurrentResource().HasIdentity())
}

func TestBindBus_TabActivatedWithoutObserverAcksPromptly(t *testing.T) {
	b, err := bus.Open(bus.DefaultSettings(), bus.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	svc, err := New(context.Background(), Options{Store: statestore.NewInMemoryStore(), FocusTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, BindBus(b, svc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	started := time.Now()
	err = bus.NewClient(b).TabActivated(ctx, bus.Tab{ID: "tab-without-observer", URL: video.URL})
	require.NoError(t, err)
	require.Less(t, time.Since(started), time.Second)
	require.False(t, svc.CurrentResource().HasIdentity())
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
func (failingBody) Close() error             { return nil }

type cannedTransport struct {
	status int
}

func (c cannedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: c.status, Header: http.Header{}, Body: failingBody{}, Request: req}, nil
}

func TestAsk_UnreadableErrorBodyKeepsStatus(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, Options{
		Store:      statestore.NewInMemoryStore(),
		Endpoints:  EndpointConfig{QueryURL: "http://qa.invalid/ask"},
		HTTPClient: &http.Client{Transport: cannedTransport{status: http.StatusBadGateway}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.RecordDetectedResource(ctx, video, nil))

	_, err = svc.Ask(ctx, AskRequest{Message: "hi"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	require.Equal(t, KindRemoteError, f.Kind)
	require.Equal(t, http.StatusBadGateway, f.StatusCode)
	require.Equal(t, MsgRemoteError, f.Message)
}
