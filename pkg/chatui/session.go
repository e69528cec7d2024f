// Package chatui holds the per-window chat state and the terminal UI built on
// top of it.
package chatui

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

const (
	DefaultMaxMessageLength = 500
	DefaultHistoryLimit     = 10

	WelcomeText = "Hi! I'm your YouTube AI assistant. I can help you with questions about the video you're watching. What would you like to know?"

	msgAskFailed = "Sorry, I encountered an error while processing your request. Please try again."
)

// ErrBusy is returned for operations refused while an answer is pending.
var ErrBusy = errors.New("chatui: a message is being answered")

type State int

const (
	StateIdle State = iota
	StateSubmitting
)

func (s State) String() string {
	if s == StateSubmitting {
		return "submitting"
	}
	return "idle"
}

// Reply is what an Asker got back. Failed replies carry the user-facing
// failure text.
type Reply struct {
	Text       string
	Confidence float64
	Failed     bool
}

// Asker performs one exchange with the relay. history holds the most recent
// messages, oldest first, ending with the question itself.
type Asker interface {
	Ask(ctx context.Context, message string, history []chat.Message) (Reply, error)
}

type SessionOption func(*Session)

func WithMaxMessageLength(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func WithHistoryLimit(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is the state of one chat window: the current video, its
// conversation and whether an answer is pending. It never has more than one
// exchange in flight.
type Session struct {
	asker        Asker
	store        *chat.ConversationStore
	now          func() time.Time
	maxLen       int
	historyLimit int

	mu       sync.Mutex
	state    State
	resource resource.Descriptor
	conv     *chat.Conversation
	// deferred holds a resource switch that arrived while busy.
	deferred *resource.Descriptor

	// switching is set while the conversation of a new video loads.
	switching bool
}

func (s *Session) busy() bool {
	return s.state == StateSubmitting || s.switching
}

func NewSession(asker Asker, store *chat.ConversationStore, opts ...SessionOption) *Session {
	s := &Session{
		asker:        asker,
		store:        store,
		now:          time.Now,
		maxLen:       DefaultMaxMessageLength,
		historyLimit: DefaultHistoryLimit,
		conv:         chat.NewConversation(""),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MaxMessageLength() int { return s.maxLen }

func (s *Session) Resource() resource.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

// Transcript returns a copy of the visible messages. An empty transcript is
// the welcome state.
func (s *Session) Transcript() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Tail(s.conv.Len())
}

func (s *Session) Welcome() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Len() == 0
}

// Exchange is a submitted question waiting for its answer.
type Exchange struct {
	session    *Session
	resourceID string
	question   string
	history    []chat.Message
	done       bool
}

// Begin validates text, appends the user message and enters Submitting. It
// returns false when text is blank or too long, no video is current, or the
// session is busy.
func (s *Session) Begin(text string) (*Exchange, bool) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > s.maxLen {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy() || !s.resource.HasIdentity() || s.conv.ResourceID != s.resource.ID {
		return nil, false
	}
	s.conv.Append(chat.NewUserMessage(text, s.now()))
	history := s.conv.Tail(s.historyLimit)
	s.state = StateSubmitting
	return &Exchange{session: s, resourceID: s.resource.ID, question: text, history: history}, true
}

// Finish asks the relay, appends exactly one assistant message, persists the
// conversation and returns to Idle. It returns the appended message.
func (e *Exchange) Finish(ctx context.Context) chat.Message {
	s := e.session
	if e.done {
		return chat.Message{}
	}
	e.done = true

	var answer chat.Message
	reply, err := s.ask(ctx, e.question, e.history)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("component", "chatui").Str("video_id", e.resourceID).Msg("ask failed")
		answer = chat.NewErrorMessage(msgAskFailed, s.now())
	case reply.Failed:
		text := reply.Text
		if text == "" {
			text = msgAskFailed
		}
		answer = chat.NewErrorMessage(text, s.now())
	default:
		answer = chat.NewAnswer(reply.Text, reply.Confidence, s.now())
	}

	s.mu.Lock()
	s.conv.Append(answer)
	snapshot := s.conv.Clone()
	s.state = StateIdle
	deferred := s.deferred
	s.deferred = nil
	s.switching = deferred != nil
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	if deferred != nil {
		if err := s.switchTo(ctx, *deferred); err != nil {
			log.Warn().Err(err).Str("component", "chatui").Msg("could not switch to deferred video")
		}
	}
	return answer
}

func (s *Session) ask(ctx context.Context, question string, history []chat.Message) (Reply, error) {
	if s.asker == nil {
		return Reply{}, errors.New("chatui: no asker configured")
	}
	return s.asker.Ask(ctx, question, history)
}

// Submit runs a whole exchange. It returns false when Begin refused the text.
func (s *Session) Submit(ctx context.Context, text string) bool {
	ex, ok := s.Begin(text)
	if !ok {
		return false
	}
	ex.Finish(ctx)
	return true
}

func (s *Session) persist(ctx context.Context, c *chat.Conversation) {
	if s.store == nil || c == nil || c.ResourceID == "" {
		return
	}
	if err := s.store.Save(ctx, c); err != nil {
		log.Warn().Err(err).Str("component", "chatui").Str("video_id", c.ResourceID).Msg("could not persist conversation")
	}
}

// SetResource makes d the current video and loads its conversation. While an
// answer is pending or another switch is loading, the switch is applied once
// the session is free. The session stays busy until the new conversation is in
// place, so nothing is appended to the old one under the new identity.
func (s *Session) SetResource(ctx context.Context, d resource.Descriptor) error {
	s.mu.Lock()
	if s.busy() {
		s.deferred = &d
		s.mu.Unlock()
		return nil
	}
	if d.HasIdentity() && d.ID == s.resource.ID {
		s.resource = d
		s.conv.Resource = &d
		s.mu.Unlock()
		return nil
	}
	s.switching = true
	s.mu.Unlock()
	return s.switchTo(ctx, d)
}

// switchTo loads the conversation of d and swaps it in together with d. The
// caller must have set s.switching. Switches requested in the meantime are
// applied in turn; only the last one wins.
func (s *Session) switchTo(ctx context.Context, d resource.Descriptor) error {
	for {
		conv, err := s.load(ctx, d.ID)

		s.mu.Lock()
		if next := s.deferred; next != nil {
			s.deferred = nil
			s.mu.Unlock()
			d = *next
			continue
		}
		if d.HasIdentity() {
			r := d
			conv.Resource = &r
		}
		s.resource = d
		s.conv = conv
		s.switching = false
		s.mu.Unlock()
		return err
	}
}

// load returns the persisted conversation for id, or an empty one if there is
// none within the retention window.
func (s *Session) load(ctx context.Context, id string) (*chat.Conversation, error) {
	fresh := chat.NewConversation(id)
	if s.store == nil || id == "" {
		return fresh, nil
	}
	c, ok, err := s.store.Load(ctx, id, s.now())
	if err != nil {
		return fresh, errors.Wrapf(err, "chatui: load conversation %s", id)
	}
	if ok {
		return c, nil
	}
	return fresh, nil
}

// LoadConversation replaces the transcript with the persisted conversation
// for id, or with the welcome state if there is none within the retention
// window.
func (s *Session) LoadConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.busy() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.switching = true
	s.mu.Unlock()

	conv, loadErr := s.load(ctx, id)

	s.mu.Lock()
	if next := s.deferred; next != nil {
		s.deferred = nil
		s.mu.Unlock()
		return s.switchTo(ctx, *next)
	}
	if s.resource.ID == id && s.resource.HasIdentity() {
		r := s.resource
		conv.Resource = &r
	}
	s.conv = conv
	s.switching = false
	s.mu.Unlock()
	return loadErr
}

// Clear drops the transcript and the persisted conversation of the current
// video.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.busy() {
		s.mu.Unlock()
		return ErrBusy
	}
	id := s.resource.ID
	s.conv = chat.NewConversation(id)
	if s.resource.HasIdentity() {
		r := s.resource
		s.conv.Resource = &r
	}
	s.mu.Unlock()

	if s.store == nil || id == "" {
		return nil
	}
	return s.store.Delete(ctx, id)
}
