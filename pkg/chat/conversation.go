package chat

import (
	"time"

	"github.com/go-go-golems/tubechat/pkg/resource"
)

// DefaultRetention is how long a persisted conversation stays replayable.
const DefaultRetention = 24 * time.Hour

// Conversation is the append-only message history of one video.
type Conversation struct {
	ResourceID    string               `json:"resourceId"`
	Messages      []Message            `json:"messages"`
	Resource      *resource.Descriptor `json:"videoInfo,omitempty"`
	LastUpdatedMs int64                `json:"lastUpdated"`
}

func NewConversation(resourceID string) *Conversation {
	return &Conversation{ResourceID: resourceID, Messages: []Message{}}
}

// Append adds m at the end and bumps LastUpdatedMs.
func (c *Conversation) Append(m Message) {
	if c == nil {
		return
	}
	c.Messages = append(c.Messages, m)
	if m.TimestampMs > c.LastUpdatedMs {
		c.LastUpdatedMs = m.TimestampMs
	}
}

func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Messages)
}

// Tail returns a copy of the last n messages.
func (c *Conversation) Tail(n int) []Message {
	if c == nil || n <= 0 || len(c.Messages) == 0 {
		return nil
	}
	start := len(c.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(c.Messages)-start)
	copy(out, c.Messages[start:])
	return out
}

// IsStale reports whether the conversation was last updated before now-retention.
func (c *Conversation) IsStale(now time.Time, retention time.Duration) bool {
	if c == nil {
		return true
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return c.LastUpdatedMs <= now.Add(-retention).UnixMilli()
}

// Clone returns a deep copy of the message slice so callers cannot mutate history.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	if c.Resource != nil {
		r := *c.Resource
		cp.Resource = &r
	}
	return &cp
}
