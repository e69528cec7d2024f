package relay

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

// BusNotifier broadcasts detections and badge changes on the notify topic.
type BusNotifier struct {
	bus *bus.Bus
}

var (
	_ ResourceListener = &BusNotifier{}
	_ BadgeSink        = &BusNotifier{}
	_ ResourceQuerier  = &bus.Client{}
)

func NewBusNotifier(b *bus.Bus) *BusNotifier {
	return &BusNotifier{bus: b}
}

func (n *BusNotifier) ResourceChanged(ctx context.Context, d resource.Descriptor) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Notify(ctx, bus.TopicNotify, bus.TypeVideoChanged, bus.VideoChanged{VideoInfo: d}); err != nil {
		log.Debug().Err(err).Str("component", "relay").Msg("video changed notification not delivered")
	}
}

func (n *BusNotifier) SetBadge(ctx context.Context, contextID, text, color string) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Notify(ctx, bus.TopicNotify, bus.TypeBadgeUpdate, bus.BadgeUpdate{ContextID: contextID, Text: text, Color: color}); err != nil {
		log.Debug().Err(err).Str("component", "relay").Msg("badge notification not delivered")
	}
}

// BindBus serves the relay topic with svc. Requests are handled concurrently
// so a slow question does not hold up status queries. Detections and badges
// are broadcast on b, and focus changes query observers over b.
func BindBus(b *bus.Bus, svc *Service) error {
	if b == nil || svc == nil {
		return errors.New("relay: bus and service are required")
	}
	notifier := NewBusNotifier(b)
	svc.SetListener(notifier)
	svc.SetBadgeSink(notifier)
	svc.SetQuerier(bus.NewClient(b))

	return b.Handle(bus.TopicRelay, func(ctx context.Context, env bus.Envelope) (any, error) {
		return handle(ctx, svc, env)
	}, bus.Concurrent(), bus.Named("relay"))
}

func handle(ctx context.Context, svc *Service, env bus.Envelope) (any, error) {
	switch env.Type {
	case bus.TypeVideoDetected:
		var req bus.VideoDetected
		if err := env.Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode VIDEO_DETECTED")
		}
		var origin *Origin
		if req.ContextID != "" {
			origin = &Origin{ContextID: req.ContextID}
		}
		if err := svc.RecordDetectedResource(ctx, req.VideoInfo, origin); err != nil {
			return bus.Ack{Success: false, Error: err.Error()}, nil
		}
		return bus.Ack{Success: true}, nil

	case bus.TypeGetCurrentVideo:
		return svc.CurrentResource(), nil

	case bus.TypeGetAPIStatus:
		st := svc.Status()
		return bus.APIStatus{APIEndpoint: st.APIEndpoint, IsConfigured: st.IsConfigured}, nil

	case bus.TypeSetAPIEndpoint:
		var req bus.SetEndpoint
		if err := env.Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode SET_API_ENDPOINT")
		}
		if err := svc.SetEndpoint(ctx, req.Endpoint); err != nil {
			return bus.Ack{Success: false, Error: err.Error()}, nil
		}
		return bus.Ack{Success: true}, nil

	case bus.TypeChatRequest:
		var req bus.ChatRequest
		if err := env.Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode CHAT_REQUEST")
		}
		return chatResponse(svc.Ask(ctx, askRequest(req.Data))), nil

	case bus.TypeCheckAPIHealth:
		h := svc.CheckHealth(ctx)
		return bus.HealthResult{
			Success: h.Healthy(),
			Status:  h.Status,
			Code:    h.Code,
			Data:    h.Data,
			Error:   h.Error,
		}, nil

	case bus.TypeTabActivated:
		var req bus.TabActivated
		if err := env.Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode TAB_ACTIVATED")
		}
		svc.HandleTabFocusChange(ctx, ViewingContext{ID: req.Tab.ID, URL: req.Tab.URL})
		return bus.Ack{Success: true}, nil

	case bus.TypeTabUpdated:
		var req bus.TabUpdated
		if err := env.Decode(&req); err != nil {
			return nil, errors.Wrap(err, "decode TAB_UPDATED")
		}
		svc.HandleTabUpdate(ctx, ViewingContext{ID: req.Tab.ID, URL: req.Tab.URL}, req.Complete)
		return bus.Ack{Success: true}, nil

	default:
		return nil, errors.Errorf("unknown message type %q", env.Type)
	}
}

func askRequest(data bus.ChatRequestData) AskRequest {
	history := make([]HistoryEntry, 0, len(data.ConversationHistory))
	for _, h := range data.ConversationHistory {
		history = append(history, HistoryEntry(h))
	}
	return AskRequest{Message: data.Message, History: history}
}

func chatResponse(ans Answer, err error) bus.ChatResponse {
	if err != nil {
		f, ok := AsFailure(err)
		if !ok {
			f = &Failure{Kind: KindRemoteError, Message: MsgRemoteError, Err: err}
		}
		return bus.ChatResponse{
			Success:    false,
			Response:   f.Message,
			Error:      f.Reason(),
			Kind:       string(f.Kind),
			StatusCode: f.StatusCode,
		}
	}
	return bus.ChatResponse{
		Success:        true,
		Response:       ans.Response,
		Metadata:       ans.Metadata,
		Confidence:     ans.Confidence,
		ProcessingTime: ans.ProcessingTime,
	}
}
