package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

const watchPage = `<html><head>
<title>Fallback Title - YouTube</title>
<meta property="og:title" content="Go Concurrency Patterns">
<meta name="description" content="A talk about goroutines and channels.">
</head><body>
<div id="channel-name"><a href="/@golang">Go Team</a></div>
</body></html>`

type stubFetcher struct {
	mu    sync.Mutex
	html  string
	err   error
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, location)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.html), nil
}

type recordingEmitter struct {
	mu   sync.Mutex
	seen []resource.Descriptor
}

func (e *recordingEmitter) DetectVideo(_ context.Context, d resource.Descriptor, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, d)
	return nil
}

func (e *recordingEmitter) ids() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, d := range e.seen {
		out = append(out, d.ID)
	}
	return out
}

func TestExtract_PrioritizedSelectors(t *testing.T) {
	f, err := Extract([]byte(watchPage), DefaultSelectors())
	require.NoError(t, err)
	require.Equal(t, "Go Concurrency Patterns", f.Title)
	require.Equal(t, "A talk about goroutines and channels.", f.Description)
	require.Equal(t, "Go Team", f.Channel)

	f, err = Extract([]byte(`<html><head><title>Only Title - YouTube</title></head></html>`), Selectors{})
	require.NoError(t, err)
	require.Equal(t, "Only Title", f.Title)
	require.Empty(t, f.Channel)
}

func TestOnNavigate_DetectsOncePerIdentity(t *testing.T) {
	emitter := &recordingEmitter{}
	fetcher := &stubFetcher{html: watchPage}
	o := New("tab-1", emitter, WithFetcher(fetcher), WithSettleDelay(0))
	ctx := context.Background()

	emitted, err := o.OnNavigate(ctx, "https://www.youtube.com/watch?v=abc123")
	require.NoError(t, err)
	require.True(t, emitted)

	emitted, err = o.OnNavigate(ctx, "https://www.youtube.com/watch?v=abc123&t=42")
	require.NoError(t, err)
	require.False(t, emitted)

	emitted, err = o.OnNavigate(ctx, "https://www.youtube.com/feed/subscriptions")
	require.NoError(t, err)
	require.False(t, emitted)

	require.Equal(t, []string{"abc123"}, emitter.ids())
	cur := o.CurrentResource()
	require.Equal(t, "Go Concurrency Patterns", cur.Title)
	require.Equal(t, "Go Team", cur.Channel)
}

func TestOnNavigate_FetchFailureUsesPlaceholders(t *testing.T) {
	emitter := &recordingEmitter{}
	o := New("tab-1", emitter, WithFetcher(&stubFetcher{err: errors.New("offline")}), WithSettleDelay(0))

	emitted, err := o.OnNavigate(context.Background(), "https://youtu.be/xyz")
	require.NoError(t, err)
	require.True(t, emitted)

	d := emitter.seen[0]
	require.Equal(t, "xyz", d.ID)
	require.Equal(t, resource.PlaceholderTitle, d.Title)
	require.Equal(t, resource.PlaceholderChannel, d.Channel)
	require.Empty(t, d.Description)
}

func TestOnNavigate_PartialPageFillsMissingFields(t *testing.T) {
	emitter := &recordingEmitter{}
	page := `<html><head><meta property="og:title" content="Only a title"></head></html>`
	o := New("tab-1", emitter, WithFetcher(&stubFetcher{html: page}), WithSettleDelay(0))

	_, err := o.OnNavigate(context.Background(), "https://www.youtube.com/watch?v=p1")
	require.NoError(t, err)
	d := emitter.seen[0]
	require.Equal(t, "Only a title", d.Title)
	require.Equal(t, resource.PlaceholderChannel, d.Channel)
}

func TestOnNavigate_DropsSupersededDetection(t *testing.T) {
	emitter := &recordingEmitter{}
	o := New("tab-1", emitter, WithFetcher(&stubFetcher{html: watchPage}))

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	o.sleep = func(ctx context.Context, _ time.Duration) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	ctx := context.Background()
	first := make(chan bool, 1)
	go func() {
		ok, _ := o.OnNavigate(ctx, "https://www.youtube.com/watch?v=old")
		first <- ok
	}()
	<-entered

	// Known but not yet extracted.
	pending := o.CurrentResource()
	require.Equal(t, "old", pending.ID)
	require.Equal(t, resource.PlaceholderTitle, pending.Title)

	second := make(chan bool, 1)
	go func() {
		ok, _ := o.OnNavigate(ctx, "https://www.youtube.com/watch?v=new")
		second <- ok
	}()
	<-entered
	close(release)

	require.False(t, <-first)
	require.True(t, <-second)
	require.Equal(t, []string{"new"}, emitter.ids())
}

func TestOnNavigate_SettleDelayHonorsContext(t *testing.T) {
	o := New("tab-1", &recordingEmitter{}, WithFetcher(&stubFetcher{html: watchPage}), WithSettleDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emitted, err := o.OnNavigate(ctx, "https://www.youtube.com/watch?v=abc")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, emitted)
}

func TestHTTPFetcher_SendsUserAgentAndRejectsErrors(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(watchPage))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithRate(0))
	body, err := f.Fetch(context.Background(), srv.URL+"/watch")
	require.NoError(t, err)
	require.Contains(t, string(body), "Go Concurrency Patterns")
	require.Equal(t, DefaultUserAgent, gotUA)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
}

func TestBind_AnswersCurrentVideo(t *testing.T) {
	b, err := bus.Open(bus.DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	o := New("tab-9", nil, WithFetcher(&stubFetcher{html: watchPage}), WithSettleDelay(0))
	require.NoError(t, o.Bind(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	_, err = o.OnNavigate(ctx, "https://www.youtube.com/shorts/s1")
	require.NoError(t, err)

	d, err := bus.NewClient(b).CurrentVideo(ctx, "tab-9")
	require.NoError(t, err)
	require.Equal(t, "s1", d.ID)
	require.Equal(t, "Go Concurrency Patterns", d.Title)
}

func TestRegistry_OneObserverPerContext(t *testing.T) {
	emitter := &recordingEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry(ctx, nil, emitter, WithFetcher(&stubFetcher{html: watchPage}), WithSettleDelay(0))

	require.NoError(t, reg.Navigate(context.Background(), "tab-1", "https://www.youtube.com/watch?v=aaaaaaaaaaa"))
	require.NoError(t, reg.Navigate(context.Background(), "tab-2", "https://www.youtube.com/watch?v=bbbbbbbbbbb"))
	reg.Wait()
	require.ElementsMatch(t, []string{"aaaaaaaaaaa", "bbbbbbbbbbb"}, emitter.ids())

	a, err := reg.Get("tab-1")
	require.NoError(t, err)
	again, err := reg.Get("tab-1")
	require.NoError(t, err)
	require.Same(t, a, again)
	require.Equal(t, "aaaaaaaaaaa", a.CurrentResource().ID)

	def, err := reg.Get("")
	require.NoError(t, err)
	require.Equal(t, DefaultContextID, def.ContextID())

	cancel()
	require.Error(t, reg.Navigate(context.Background(), "tab-1", "https://www.youtube.com/watch?v=ccccccccccc"))
}
