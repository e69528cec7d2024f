package bus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DriverGoChannel = "gochannel"
	DriverRedis     = "redis"
)

// Settings selects the Watermill transport behind a Bus.
type Settings struct {
	Driver    string `koanf:"driver" yaml:"driver"`
	RedisAddr string `koanf:"redis_addr" yaml:"redis_addr"`
	// Group is the Redis consumer group. Empty means every subscriber sees
	// every message, which is what notifications and replies need.
	Group    string `koanf:"group" yaml:"group"`
	Consumer string `koanf:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Driver:    DriverGoChannel,
		RedisAddr: "localhost:6379",
		Consumer:  "tubechat-1",
	}
}

// Open builds a Bus on the transport named by s.
func Open(s Settings, opts ...Option) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", DriverGoChannel:
		// Subscribers ack before dispatch, so blocking on the ack only keeps
		// deliveries to one subscriber in publish order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		opts = append(opts, WithCloser(ch.Close))
		return New(ch, ch, opts...), nil

	case DriverRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			return nil, errors.New("bus: redis driver needs an address")
		}
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		marshaler := rstream.DefaultMarshallerUnmarshaller{}

		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "bus: redis publisher")
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.Group,
			Consumer:      s.Consumer,
		}, logger)
		if err != nil {
			_ = pub.Close()
			_ = client.Close()
			return nil, errors.Wrap(err, "bus: redis subscriber")
		}
		var subscriber message.Subscriber = sub
		if s.Group != "" {
			subscriber = &groupAtTail{Subscriber: sub, client: client, group: s.Group}
		}
		opts = append(opts, WithCloser(sub.Close, pub.Close, client.Close))
		return New(pub, subscriber, opts...), nil

	default:
		return nil, errors.Errorf("bus: unknown driver %q", s.Driver)
	}
}

// groupAtTail creates the consumer group at the stream tail before the first
// subscription so a new group does not replay history.
type groupAtTail struct {
	message.Subscriber
	client *redis.Client
	group  string
}

func (g *groupAtTail) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := EnsureGroupAtTail(ctx, g.client, topic, g.group); err != nil {
		return nil, err
	}
	return g.Subscriber.Subscribe(ctx, topic)
}

// EnsureGroupAtTail creates group on stream at "$" unless it already exists.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "bus: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "bus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
