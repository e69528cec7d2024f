// Package relay owns the current video and the QA endpoint configuration, and
// turns chat requests into calls against the external question-answering API.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/resource"
	"github.com/go-go-golems/tubechat/pkg/statestore"
)

const (
	DefaultQueryURL      = "http://localhost:8000/ask"
	DefaultHealthURL     = "http://localhost:8000/health"
	DefaultAskTimeout    = 30 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	// DefaultFocusTimeout bounds the question to a newly focused context. A
	// context without an observer never answers.
	DefaultFocusTimeout = 2 * time.Second
	DefaultHistoryLimit  = 10
	DefaultUserAgent     = "YouTube-AI-Chatbot-Extension/1.0"
	DefaultConfidence    = 0.5
	DefaultVersion       = "1.0.0"

	BadgeText  = "●"
	BadgeColor = "#667eea"

	noResponseText = "No response received from API"
)

type EndpointConfig struct {
	QueryURL  string `koanf:"query_url" yaml:"query_url"`
	HealthURL string `koanf:"health_url" yaml:"health_url"`
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{QueryURL: DefaultQueryURL, HealthURL: DefaultHealthURL}
}

// ResourceListener hears about every accepted detection.
type ResourceListener interface {
	ResourceChanged(ctx context.Context, d resource.Descriptor)
}

// BadgeSink shows or clears the indicator of a viewing context. An empty
// text clears it.
type BadgeSink interface {
	SetBadge(ctx context.Context, contextID, text, color string)
}

// ResourceQuerier asks a viewing context which video it shows.
type ResourceQuerier interface {
	CurrentVideo(ctx context.Context, contextID string) (resource.Descriptor, error)
}

type noopListener struct{}

func (noopListener) ResourceChanged(context.Context, resource.Descriptor) {}

type noopBadges struct{}

func (noopBadges) SetBadge(context.Context, string, string, string) {}

// Origin names the viewing context a detection came from.
type Origin struct {
	ContextID string
}

type ViewingContext struct {
	ID  string
	URL string
}

type AskRequest struct {
	Message string
	History []HistoryEntry
}

type Answer struct {
	Response       string
	Confidence     float64
	ProcessingTime float64
	Metadata       map[string]any
}

type HealthStatus struct {
	Status string
	Code   int
	Data   json.RawMessage
	Error  string
}

func (h HealthStatus) Healthy() bool { return h.Status == "healthy" }

type Status struct {
	APIEndpoint  string
	IsConfigured bool
}

type Options struct {
	Store         statestore.Store
	Endpoints     EndpointConfig
	HTTPClient    *http.Client
	AskTimeout    time.Duration
	HealthTimeout time.Duration
	FocusTimeout  time.Duration
	HistoryLimit  int
	UserAgent     string
	Version       string
	Listener      ResourceListener
	Badges        BadgeSink
	Querier       ResourceQuerier
	Now           func() time.Time
}

// Service is the single owner of the current video and the endpoint.
type Service struct {
	store         statestore.Store
	qa            *qaClient
	askTimeout    time.Duration
	healthTimeout time.Duration
	focusTimeout  time.Duration
	historyLimit  int
	now           func() time.Time

	// recordMu serializes detections so the store sees them in order.
	recordMu sync.Mutex

	mu        sync.RWMutex
	endpoints EndpointConfig
	current   resource.Descriptor
	listener  ResourceListener
	badges    BadgeSink
	querier   ResourceQuerier
}

// New builds the service and loads the persisted endpoint and current video.
// The install date and version are written on first start.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: a state store is required")
	}
	s := &Service{
		store:         opts.Store,
		askTimeout:    opts.AskTimeout,
		healthTimeout: opts.HealthTimeout,
		focusTimeout:  opts.FocusTimeout,
		historyLimit:  opts.HistoryLimit,
		now:           opts.Now,
		endpoints:     opts.Endpoints,
		listener:      opts.Listener,
		badges:        opts.Badges,
		querier:       opts.Querier,
	}
	if s.askTimeout <= 0 {
		s.askTimeout = DefaultAskTimeout
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = DefaultHealthTimeout
	}
	if s.focusTimeout <= 0 {
		s.focusTimeout = DefaultFocusTimeout
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.endpoints == (EndpointConfig{}) {
		s.endpoints = DefaultEndpointConfig()
	}
	if s.endpoints.HealthURL == "" {
		s.endpoints.HealthURL = DefaultHealthURL
	}
	if s.listener == nil {
		s.listener = noopListener{}
	}
	if s.badges == nil {
		s.badges = noopBadges{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	s.qa = &qaClient{http: httpClient, userAgent: ua}

	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	if err := s.load(ctx, version); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load(ctx context.Context, version string) error {
	var endpoint string
	ok, err := s.store.Get(ctx, statestore.KeyAPIEndpoint, &endpoint)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("could not load api endpoint, keeping default")
	} else if ok {
		s.endpoints.QueryURL = endpoint
	}

	var current resource.Descriptor
	ok, err = s.store.Get(ctx, statestore.KeyCurrentVideo, &current)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("could not load current video")
	} else if ok && current.HasIdentity() {
		s.current = current
	}

	var storedVersion string
	ok, err = s.store.Get(ctx, statestore.KeyVersion, &storedVersion)
	if err != nil {
		return errors.Wrap(err, "relay: load install metadata")
	}
	switch {
	case !ok:
		if err := s.store.SetMany(ctx, map[string]any{
			statestore.KeyInstallDate: s.now().UnixMilli(),
			statestore.KeyVersion:     version,
		}); err != nil {
			return errors.Wrap(err, "relay: write install metadata")
		}
		log.Info().Str("component", "relay").Str("version", version).Msg("first start, install metadata written")
	case storedVersion != version:
		if err := s.store.Set(ctx, statestore.KeyVersion, version); err != nil {
			return errors.Wrap(err, "relay: update version")
		}
		log.Info().Str("component", "relay").Str("from", storedVersion).Str("to", version).Msg("upgraded")
	}
	return nil
}

// SetListener replaces the detection listener. Nil restores the no-op default.
func (s *Service) SetListener(l ResourceListener) {
	if s == nil {
		return
	}
	if l == nil {
		l = noopListener{}
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// SetBadgeSink replaces the badge sink. Nil restores the no-op default.
func (s *Service) SetBadgeSink(b BadgeSink) {
	if s == nil {
		return
	}
	if b == nil {
		b = noopBadges{}
	}
	s.mu.Lock()
	s.badges = b
	s.mu.Unlock()
}

func (s *Service) SetQuerier(q ResourceQuerier) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.querier = q
	s.mu.Unlock()
}

// RecordDetectedResource makes d the current video. origin may be nil.
func (s *Service) RecordDetectedResource(ctx context.Context, d resource.Descriptor, origin *Origin) error {
	if s == nil {
		return errors.New("relay: nil service")
	}
	if !d.HasIdentity() {
		return &Failure{Kind: KindExtractionFailure, Message: MsgNoResource}
	}
	d = d.Normalize()
	if d.DetectedAtMs == 0 {
		d.DetectedAtMs = s.now().UnixMilli()
	}

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	s.mu.Lock()
	s.current = d
	listener, badges := s.listener, s.badges
	s.mu.Unlock()

	if err := s.store.SetMany(ctx, map[string]any{
		statestore.KeyCurrentVideo: d,
		statestore.KeyLastDetected: s.now().UnixMilli(),
	}); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("video_id", d.ID).Msg("could not persist current video")
	}

	listener.ResourceChanged(ctx, d)
	if origin != nil && origin.ContextID != "" {
		badges.SetBadge(ctx, origin.ContextID, BadgeText, BadgeColor)
	}
	log.Info().Str("component", "relay").Str("video_id", d.ID).Str("title", d.Title).Msg("video detected")
	return nil
}

// CurrentResource returns the current video; the zero value means none.
func (s *Service) CurrentResource() resource.Descriptor {
	if s == nil {
		return resource.Descriptor{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetEndpoint replaces the query endpoint. An empty string clears it.
func (s *Service) SetEndpoint(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("relay: nil service")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		if err := validateEndpoint(endpoint); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.endpoints.QueryURL = endpoint
	s.mu.Unlock()

	if err := s.store.SetMany(ctx, map[string]any{
		statestore.KeyAPIEndpoint:   endpoint,
		statestore.KeyAPIConfigured: s.now().UnixMilli(),
	}); err != nil {
		return errors.Wrap(err, "relay: persist endpoint")
	}
	log.Info().Str("component", "relay").Str("endpoint", endpoint).Msg("api endpoint updated")
	return nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrapf(err, "relay: invalid endpoint %q", endpoint)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("relay: endpoint %q must be an absolute http(s) URL", endpoint)
	}
	return nil
}

func (s *Service) Status() Status {
	if s == nil {
		return Status{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{APIEndpoint: s.endpoints.QueryURL, IsConfigured: s.endpoints.QueryURL != ""}
}

func (s *Service) Endpoints() EndpointConfig {
	if s == nil {
		return EndpointConfig{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints
}

// Ask sends one question to the QA endpoint. Every failure is a *Failure.
func (s *Service) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	if s == nil {
		return Answer{}, errors.New("relay: nil service")
	}
	s.mu.RLock()
	endpoint := s.endpoints.QueryURL
	current := s.current
	s.mu.RUnlock()

	if endpoint == "" {
		return Answer{}, &Failure{Kind: KindNotConfigured, Message: MsgNotConfigured}
	}
	if !current.HasIdentity() {
		return Answer{}, &Failure{Kind: KindNoResource, Message: MsgNoResource}
	}

	history := req.History
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	if history == nil {
		history = []HistoryEntry{}
	}
	video := current
	video.DetectedAtMs = s.now().UnixMilli()
	query := QueryRequest{Message: req.Message, Video: video, ConversationHistory: history}

	ctx, cancel := context.WithTimeout(ctx, s.askTimeout)
	defer cancel()

	started := s.now()
	resp, code, err := s.qa.query(ctx, endpoint, query)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			log.Warn().Err(err).Str("component", "relay").Int("status", code).Msg("qa request failed")
			return Answer{}, &Failure{Kind: KindRemoteError, StatusCode: code, Message: MsgRemoteError, Err: err}
		}
		log.Warn().Err(err).Str("component", "relay").Str("endpoint", endpoint).Msg("qa service unreachable")
		return Answer{}, &Failure{Kind: KindConnectionError, Message: connectionMessage(hostOf(endpoint)), Err: err}
	}

	ans := Answer{
		Response:   resp.Response,
		Confidence: DefaultConfidence,
		Metadata:   resp.Metadata,
	}
	if ans.Response == "" {
		ans.Response = noResponseText
	}
	if ans.Metadata == nil {
		ans.Metadata = map[string]any{}
	}
	if c, ok := number(ans.Metadata["confidence"]); ok {
		ans.Confidence = c
	}
	if p, ok := number(ans.Metadata["processing_time"]); ok {
		ans.ProcessingTime = p
	}
	log.Debug().Str("component", "relay").Str("video_id", current.ID).Float64("confidence", ans.Confidence).Dur("elapsed", s.now().Sub(started)).Msg("qa answer received")
	return ans, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// CheckHealth calls the health endpoint. It never returns an error; the
// outcome is in the status.
func (s *Service) CheckHealth(ctx context.Context) HealthStatus {
	if s == nil {
		return HealthStatus{Status: "unreachable", Error: "relay not initialized"}
	}
	endpoint := s.Endpoints().HealthURL

	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	code, body, err := s.qa.health(ctx, endpoint)
	if err != nil && code == 0 {
		return HealthStatus{
			Status: "unreachable",
			Error:  "Could not connect to the RAG API server. Please make sure it is running on " + hostOf(endpoint) + ".",
		}
	}
	if code < 200 || code > 299 {
		return HealthStatus{Status: "unhealthy", Code: code, Error: "API responded with status " + strconv.Itoa(code)}
	}
	h := HealthStatus{Status: "healthy", Code: code}
	if json.Valid(body) {
		h.Data = json.RawMessage(body)
	}
	return h
}

// HandleTabFocusChange records the video of a newly focused watch page.
func (s *Service) HandleTabFocusChange(ctx context.Context, vc ViewingContext) {
	if s == nil || !resource.IsWatchURL(vc.URL) {
		return
	}
	s.mu.RLock()
	querier := s.querier
	s.mu.RUnlock()
	if querier == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, s.focusTimeout)
	d, err := querier.CurrentVideo(qctx, vc.ID)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("component", "relay").Str("context", vc.ID).Msg("focused context did not report a video")
		return
	}
	if !d.HasIdentity() {
		return
	}
	if err := s.RecordDetectedResource(ctx, d, &Origin{ContextID: vc.ID}); err != nil {
		log.Debug().Err(err).Str("component", "relay").Str("context", vc.ID).Msg("ignoring focused context video")
	}
}

// HandleTabUpdate clears the badge of a context that finished loading a page
// that is not a video.
func (s *Service) HandleTabUpdate(ctx context.Context, vc ViewingContext, complete bool) {
	if s == nil || !complete || vc.URL == "" || resource.IsWatchURL(vc.URL) {
		return
	}
	s.mu.RLock()
	badges := s.badges
	s.mu.RUnlock()
	badges.SetBadge(ctx, vc.ID, "", "")
}
