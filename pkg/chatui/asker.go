package chatui

import (
	"context"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/chat"
)

// BusAsker sends CHAT_REQUEST messages to the relay.
type BusAsker struct {
	client *bus.Client
}

var _ Asker = &BusAsker{}

func NewBusAsker(client *bus.Client) *BusAsker {
	return &BusAsker{client: client}
}

func (a *BusAsker) Ask(ctx context.Context, message string, history []chat.Message) (Reply, error) {
	entries := make([]bus.HistoryEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, bus.HistoryEntry{Text: m.Text, Sender: string(m.Sender), Timestamp: m.TimestampMs})
	}
	resp, err := a.client.Chat(ctx, message, entries)
	if err != nil {
		return Reply{}, err
	}
	if !resp.Success {
		text := resp.Response
		if text == "" {
			text = resp.Error
		}
		return Reply{Text: text, Failed: true}, nil
	}
	return Reply{Text: resp.Response, Confidence: resp.Confidence}, nil
}
