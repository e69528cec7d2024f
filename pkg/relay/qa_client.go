package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/resource"
)

// HistoryEntry is one prior message sent along with a question.
type HistoryEntry struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// QueryRequest is the body POSTed to the QA endpoint.
type QueryRequest struct {
	Message             string              `json:"message"`
	Video               resource.Descriptor `json:"video"`
	ConversationHistory []HistoryEntry      `json:"conversationHistory"`
}

// QueryResponse is the QA endpoint's 2xx body.
type QueryResponse struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	maxResponseBytes  = 4 << 20
	maxErrorBodyBytes = 4 << 10
)

// statusError is a non-2xx reply from the QA service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return "status " + strconv.Itoa(e.code) + ": " + e.body
}

// qaClient performs the two HTTP calls against the QA service.
type qaClient struct {
	http      *http.Client
	userAgent string
}

func (c *qaClient) query(ctx context.Context, endpoint string, req QueryRequest) (QueryResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return QueryResponse{}, 0, errors.Wrap(err, "marshal query")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return QueryResponse{}, 0, errors.Wrap(err, "build query request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return QueryResponse{}, 0, errors.Wrap(err, "send query")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		body := truncate(string(raw), 200)
		if err != nil {
			body = "unreadable body: " + err.Error()
		}
		return QueryResponse{}, resp.StatusCode, &statusError{code: resp.StatusCode, body: body}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return QueryResponse{}, resp.StatusCode, errors.Wrap(err, "read query response")
	}
	var out QueryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return QueryResponse{}, resp.StatusCode, &statusError{code: resp.StatusCode, body: "undecodable body: " + err.Error()}
	}
	return out, resp.StatusCode, nil
}

func (c *qaClient) health(ctx context.Context, endpoint string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build health request")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, errors.Wrap(err, "send health request")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "read health response")
	}
	return resp.StatusCode, raw, nil
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
