package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	channelPrefix  = "room:"
	channelPattern = channelPrefix + "*"

	subscriptionBuffer = 64
)

func channelName(roomID string) string {
	return channelPrefix + roomID
}

func roomIDFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// Channel is the per-room broadcast primitive over Redis pub/sub.
// Delivery is best-effort and at-most-once per subscriber; anything that
// must survive an absent listener goes through the mailbox relay instead.
type Channel struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewChannel(rdb *redis.Client, log zerolog.Logger) *Channel {
	return &Channel{
		rdb: rdb,
		log: log.With().Str("component", "channel").Logger(),
	}
}

// Publish fans the envelope out to every live subscriber of the room's
// channel.
func (c *Channel) Publish(ctx context.Context, roomID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.rdb.Publish(ctx, channelName(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channelName(roomID), err)
	}
	return nil
}

// Delivery is one received envelope plus the room it was published to.
type Delivery struct {
	RoomID   string
	Envelope Envelope
}

// SubscribeAll yields envelopes published to any room channel, for the
// relay's standing subscription.
func (c *Channel) SubscribeAll(ctx context.Context) *Subscription {
	return newSubscription(c.rdb.PSubscribe(ctx, channelPattern), c.log)
}

// SubscribeRoom yields envelopes published to one room's channel.
func (c *Channel) SubscribeRoom(ctx context.Context, roomID string) *Subscription {
	return newSubscription(c.rdb.Subscribe(ctx, channelName(roomID)), c.log)
}

// Subscription is a lazy, non-restartable stream of deliveries. It stays
// open until Close.
type Subscription struct {
	pubsub    *redis.PubSub
	out       chan Delivery
	closed    chan struct{}
	closeOnce sync.Once
}

func newSubscription(pubsub *redis.PubSub, log zerolog.Logger) *Subscription {
	s := &Subscription{
		pubsub: pubsub,
		out:    make(chan Delivery, subscriptionBuffer),
		closed: make(chan struct{}),
	}
	go s.pump(log)
	return s
}

func (s *Subscription) pump(log zerolog.Logger) {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable envelope")
			continue
		}
		// A consumer that stopped draining must not pin the pump past
		// Close: a full buffer would otherwise block this send forever.
		select {
		case s.out <- Delivery{RoomID: roomIDFromChannel(msg.Channel), Envelope: env}:
		case <-s.closed:
			return
		}
	}
}

// C is the delivery stream. It closes after Close.
func (s *Subscription) C() <-chan Delivery {
	return s.out
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.pubsub.Close()
}
