package chat

import (
	"fmt"
	"math"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Kind distinguishes regular answers from reported failures.
type Kind string

const (
	KindNormal Kind = "normal"
	KindError  Kind = "error"
)

// DefaultConfidenceThreshold is the confidence below which an answer is
// displayed with a caveat.
const DefaultConfidenceThreshold = 0.7

// Message is one immutable entry of a conversation.
type Message struct {
	Text        string   `json:"text"`
	Sender      Sender   `json:"sender"`
	TimestampMs int64    `json:"timestamp"`
	Kind        Kind     `json:"type"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

func NewUserMessage(text string, now time.Time) Message {
	return Message{Text: text, Sender: SenderUser, TimestampMs: now.UnixMilli(), Kind: KindNormal}
}

// NewAnswer builds an assistant message for a successful exchange.
func NewAnswer(text string, confidence float64, now time.Time) Message {
	c := confidence
	return Message{Text: text, Sender: SenderAssistant, TimestampMs: now.UnixMilli(), Kind: KindNormal, Confidence: &c}
}

// NewErrorMessage builds the assistant message reporting a failed exchange.
func NewErrorMessage(text string, now time.Time) Message {
	return Message{Text: text, Sender: SenderAssistant, TimestampMs: now.UnixMilli(), Kind: KindError}
}

func (m Message) Timestamp() time.Time {
	return time.UnixMilli(m.TimestampMs)
}

func (m Message) IsError() bool {
	return m.Kind == KindError
}

// LowConfidence reports whether the message carries a confidence below threshold.
func (m Message) LowConfidence(threshold float64) bool {
	return m.Confidence != nil && m.Kind != KindError && *m.Confidence < threshold
}

// DisplayText is the text shown to the user: the stored text plus a caveat
// for low-confidence answers.
func (m Message) DisplayText(threshold float64) string {
	if !m.LowConfidence(threshold) {
		return m.Text
	}
	return m.Text + "\n\n" + ConfidenceCaveat(*m.Confidence)
}

// ConfidenceCaveat renders the note appended to low-confidence answers.
func ConfidenceCaveat(confidence float64) string {
	pct := int(math.Round(confidence * 100))
	return fmt.Sprintf("*Note: This response has moderate confidence (%d%%). The video transcript might not contain detailed information about your question.*", pct)
}
