// Package qastub is a local stand-in for the question-answering API. It
// validates requests the way the real service does and answers with canned,
// video-aware text so the relay can be exercised end to end.
package qastub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/relay"
)

const (
	DefaultService   = "YouTube RAG API"
	maxMessageLength = 1000
	minVideoIDLength = 10
)

// Answerer produces a reply and a confidence for one question.
type Answerer func(req relay.QueryRequest) (string, float64)

// CannedAnswer echoes the video back with a fixed confidence.
func CannedAnswer(req relay.QueryRequest) (string, float64) {
	title := req.Video.Title
	if title == "" {
		title = req.Video.ID
	}
	text := fmt.Sprintf("I don't have a transcript for **%s** yet, so I can't answer %q with certainty.", title, req.Message)
	if len(req.ConversationHistory) > 0 {
		text += fmt.Sprintf(" (%d earlier messages considered.)", len(req.ConversationHistory))
	}
	return text, 0.6
}

type Server struct {
	service string
	answer  Answerer
	now     func() time.Time
}

type Option func(*Server)

func WithService(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.service = name
		}
	}
}

func WithAnswerer(a Answerer) Option {
	return func(s *Server) {
		if a != nil {
			s.answer = a
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{service: DefaultService, answer: CannedAnswer, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func validate(req *relay.QueryRequest) string {
	if len(req.Video.ID) < minVideoIDLength {
		return "Invalid video ID"
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "Message cannot be empty"
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLength {
		return "Message too long (max 1000 characters)"
	}
	req.Message = msg
	return ""
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req relay.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if msg := validate(&req); msg != "" {
		log.Warn().Str("component", "qastub").Str("video_id", req.Video.ID).Msg(msg)
		detail(w, http.StatusUnprocessableEntity, msg)
		return
	}

	start := s.now()
	text, confidence := s.answer(req)
	elapsed := s.now().Sub(start).Seconds()
	log.Info().Str("component", "qastub").Str("video_id", req.Video.ID).Float64("confidence", confidence).Msg("answered question")

	writeJSON(w, http.StatusOK, relay.QueryResponse{
		Response: text,
		Metadata: map[string]any{
			"confidence":       confidence,
			"processing_time":  float64(int(elapsed*100)) / 100,
			"video_id":         req.Video.ID,
			"chunks_retrieved": 4,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": s.service})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": s.service,
		"version": relay.DefaultVersion,
		"endpoints": map[string]string{
			"ask":    "/ask - Ask questions about YouTube videos",
			"health": "/health - Health check",
		},
	})
}
