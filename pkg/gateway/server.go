// Package gateway exposes the relay over HTTP and streams bus notifications
// to websocket clients. It lets a browser or script play the part of the page
// observer and the chat window.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxBodyBytes        = 1 << 20
)

// Navigator receives page locations for an in-process observer.
type Navigator interface {
	Navigate(ctx context.Context, contextID, location string) error
}

type Option func(*Server)

func WithNavigator(n Navigator) Option {
	return func(s *Server) { s.nav = n }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

type Server struct {
	client   *bus.Client
	nav      Navigator
	pool     *ConnectionPool
	upgrader websocket.Upgrader
}

func NewServer(client *bus.Client, opts ...Option) *Server {
	s := &Server{
		client: client,
		pool:   NewConnectionPool(defaultWriteTimeout),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

// Attach forwards every notify-topic message to websocket clients.
func (s *Server) Attach() error {
	if s.client == nil {
		return errors.New("gateway: no bus client")
	}
	return s.client.Notifications(func(_ context.Context, env bus.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		s.pool.Broadcast(data)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/endpoint", s.handleEndpoint)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/video", s.handleVideo)
	mux.HandleFunc("/api/navigate", s.handleNavigate)
	mux.HandleFunc("/api/tabs/activated", s.handleTabActivated)
	mux.HandleFunc("/api/tabs/updated", s.handleTabUpdated)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "gateway").Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "gateway: listen")
	case <-ctx.Done():
		s.pool.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, req *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return false
	}
	return true
}

// busError maps a failed bus request to a status code.
func busError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, bus.ErrNoResponse) {
		status = http.StatusGatewayTimeout
	}
	var herr *bus.HandlerError
	if errors.As(err, &herr) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, req *http.Request, method string) bool {
	if req.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodGet) {
		return
	}
	st, err := s.client.Status(req.Context())
	if err != nil {
		busError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEndpoint(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodPost) {
		return
	}
	var body bus.SetEndpoint
	if !decodeBody(w, req, &body) {
		return
	}
	if err := s.client.SetEndpoint(req.Context(), body.Endpoint); err != nil {
		var herr *bus.HandlerError
		if errors.Is(err, bus.ErrNoResponse) || errors.As(err, &herr) {
			busError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, bus.Ack{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, bus.Ack{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodGet) {
		return
	}
	h, err := s.client.Health(req.Context())
	if err != nil {
		busError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleChat(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodPost) {
		return
	}
	var body bus.ChatRequestData
	if !decodeBody(w, req, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing message"})
		return
	}
	resp, err := s.client.Chat(req.Context(), body.Message, body.ConversationHistory)
	if err != nil {
		busError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type detectBody struct {
	VideoInfo resource.Descriptor `json:"videoInfo"`
	ContextID string              `json:"contextId"`
}

func (s *Server) handleVideo(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		d, err := s.client.CurrentVideo(req.Context(), req.URL.Query().Get("context"))
		if err != nil {
			busError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodPost:
		var body detectBody
		if !decodeBody(w, req, &body) {
			return
		}
		if err := s.client.DetectVideo(req.Context(), body.VideoInfo, body.ContextID); err != nil {
			var herr *bus.HandlerError
			if errors.Is(err, bus.ErrNoResponse) || errors.As(err, &herr) {
				busError(w, err)
				return
			}
			writeJSON(w, http.StatusUnprocessableEntity, bus.Ack{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, bus.Ack{Success: true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type navigateBody struct {
	URL       string `json:"url"`
	ContextID string `json:"contextId"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodPost) {
		return
	}
	if s.nav == nil {
		http.Error(w, "no observer attached", http.StatusServiceUnavailable)
		return
	}
	var body navigateBody
	if !decodeBody(w, req, &body) {
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing url"})
		return
	}
	if err := s.nav.Navigate(req.Context(), body.ContextID, body.URL); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "watch": resource.IsWatchURL(body.URL)})
}

func (s *Server) handleTabActivated(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodPost) {
		return
	}
	var body bus.TabActivated
	if !decodeBody(w, req, &body) {
		return
	}
	if err := s.client.TabActivated(req.Context(), body.Tab); err != nil {
		busError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bus.Ack{Success: true})
}

func (s *Server) handleTabUpdated(w http.ResponseWriter, req *http.Request) {
	if !allow(w, req, http.MethodPost) {
		return
	}
	var body bus.TabUpdated
	if !decodeBody(w, req, &body) {
		return
	}
	if err := s.client.TabUpdated(req.Context(), body.Tab, body.Complete); err != nil {
		busError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bus.Ack{Success: true})
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	s.pool.Add(conn)
	log.Debug().Str("component", "gateway").Int("clients", s.pool.Count()).Msg("ws client attached")
	defer s.pool.Remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
