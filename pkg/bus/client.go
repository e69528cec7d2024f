package bus

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/resource"
)

// Client wraps a Bus with typed requests to the relay and observers.
type Client struct {
	bus *Bus
}

func NewClient(b *Bus) *Client {
	return &Client{bus: b}
}

func (c *Client) Bus() *Bus {
	if c == nil {
		return nil
	}
	return c.bus
}

func (c *Client) Chat(ctx context.Context, message string, history []HistoryEntry) (ChatResponse, error) {
	var resp ChatResponse
	if history == nil {
		history = []HistoryEntry{}
	}
	req := ChatRequest{Data: ChatRequestData{Message: message, ConversationHistory: history}}
	err := c.bus.Request(ctx, TopicRelay, TypeChatRequest, req, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (HealthResult, error) {
	var resp HealthResult
	err := c.bus.Request(ctx, TopicRelay, TypeCheckAPIHealth, nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (APIStatus, error) {
	var resp APIStatus
	err := c.bus.Request(ctx, TopicRelay, TypeGetAPIStatus, nil, &resp)
	return resp, err
}

func (c *Client) SetEndpoint(ctx context.Context, endpoint string) error {
	var ack Ack
	if err := c.bus.Request(ctx, TopicRelay, TypeSetAPIEndpoint, SetEndpoint{Endpoint: endpoint}, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return errors.Errorf("set endpoint: %s", ack.Error)
	}
	return nil
}

// CurrentVideo asks the observer of contextID for its current resource. An
// empty contextID asks the relay for the resource it holds.
func (c *Client) CurrentVideo(ctx context.Context, contextID string) (resource.Descriptor, error) {
	topic := TopicRelay
	if contextID != "" {
		topic = ObserverTopic(contextID)
	}
	var d resource.Descriptor
	err := c.bus.Request(ctx, topic, TypeGetCurrentVideo, nil, &d)
	return d, err
}

// DetectVideo reports a detection to the relay and waits for its ack.
func (c *Client) DetectVideo(ctx context.Context, d resource.Descriptor, contextID string) error {
	var ack Ack
	if err := c.bus.Request(ctx, TopicRelay, TypeVideoDetected, VideoDetected{VideoInfo: d, ContextID: contextID}, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return errors.Errorf("video detected: %s", ack.Error)
	}
	return nil
}

func (c *Client) TabActivated(ctx context.Context, tab Tab) error {
	return c.bus.Request(ctx, TopicRelay, TypeTabActivated, TabActivated{Tab: tab}, nil)
}

func (c *Client) TabUpdated(ctx context.Context, tab Tab, complete bool) error {
	return c.bus.Request(ctx, TopicRelay, TypeTabUpdated, TabUpdated{Tab: tab, Complete: complete}, nil)
}

// Notifications registers fn for every broadcast on the notify topic.
func (c *Client) Notifications(fn func(ctx context.Context, env Envelope)) error {
	return c.bus.Handle(TopicNotify, func(ctx context.Context, env Envelope) (any, error) {
		fn(ctx, env)
		return nil, nil
	}, Named("notifications"))
}
