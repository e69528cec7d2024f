package bus

import (
	"encoding/json"

	"github.com/go-go-golems/tubechat/pkg/resource"
)

// Message types exchanged between the observer, the relay and chat UIs.
const (
	TypeVideoDetected   = "VIDEO_DETECTED"
	TypeVideoChanged    = "VIDEO_CHANGED"
	TypeGetCurrentVideo = "GET_CURRENT_VIDEO"
	TypeChatRequest     = "CHAT_REQUEST"
	TypeCheckAPIHealth  = "CHECK_API_HEALTH"
	TypeSetAPIEndpoint  = "SET_API_ENDPOINT"
	TypeGetAPIStatus    = "GET_API_STATUS"
	TypeTabActivated    = "TAB_ACTIVATED"
	TypeTabUpdated      = "TAB_UPDATED"
	TypeBadgeUpdate     = "BADGE_UPDATE"

	typeReply = "REPLY"
)

// Topics.
const (
	TopicRelay          = "tubechat.relay"
	TopicNotify         = "tubechat.notify"
	topicObserverPrefix = "tubechat.observer."
	topicReplyPrefix    = "tubechat.reply."
)

// ObserverTopic is the topic a page observer for contextID answers queries on.
func ObserverTopic(contextID string) string {
	return topicObserverPrefix + contextID
}

// Envelope is the JSON body of every bus message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into out. An empty payload leaves out untouched.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 || out == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

type VideoDetected struct {
	VideoInfo resource.Descriptor `json:"videoInfo"`
	// ContextID names the viewing context the detection came from, if any.
	ContextID string `json:"contextId,omitempty"`
}

type VideoChanged struct {
	VideoInfo resource.Descriptor `json:"videoInfo"`
}

type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type HistoryEntry struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

type ChatRequestData struct {
	Message             string         `json:"message"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
}

type ChatRequest struct {
	Data ChatRequestData `json:"data"`
}

// ChatResponse is the relay's answer to CHAT_REQUEST. On failure Response
// carries the human readable fallback text and Error the short reason.
type ChatResponse struct {
	Success        bool           `json:"success"`
	Response       string         `json:"response"`
	Error          string         `json:"error,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	StatusCode     int            `json:"statusCode,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	ProcessingTime float64        `json:"processingTime,omitempty"`
}

type HealthResult struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Code    int             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type SetEndpoint struct {
	Endpoint string `json:"endpoint"`
}

type APIStatus struct {
	APIEndpoint  string `json:"apiEndpoint"`
	IsConfigured bool   `json:"isConfigured"`
}

// Tab is a viewing context: something showing one page at a time.
type Tab struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type TabActivated struct {
	Tab Tab `json:"tab"`
}

type TabUpdated struct {
	Tab      Tab  `json:"tab"`
	Complete bool `json:"complete"`
}

type BadgeUpdate struct {
	ContextID string `json:"contextId"`
	Text      string `json:"text"`
	Color     string `json:"color,omitempty"`
}
