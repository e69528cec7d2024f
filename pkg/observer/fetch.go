package observer

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent    = "YouTube-AI-Chatbot-Extension/1.0"
	DefaultFetchTimeout = 15 * time.Second
	DefaultFetchRate    = 2.0

	maxPageBytes = 8 << 20
)

// Fetcher returns the HTML of a page location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// HTTPFetcher fetches pages over HTTP, at most rate pages per second.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

var _ Fetcher = &HTTPFetcher{}

type FetcherOption func(*HTTPFetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithRate limits fetches to perSecond with a burst of one. Zero or less
// disables the limit.
func WithRate(perSecond float64) FetcherOption {
	return func(f *HTTPFetcher) {
		if perSecond <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func WithUserAgent(ua string) FetcherOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: DefaultFetchTimeout},
		limiter:   rate.NewLimiter(rate.Limit(DefaultFetchRate), 1),
		userAgent: DefaultUserAgent,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "fetch: rate limiter")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch: build request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", location)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("fetch %s: status %d", location, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s: read body", location)
	}
	return body, nil
}
