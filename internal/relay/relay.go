// Package relay bridges the room channels to poll-based clients. A
// standing subscription copies every published envelope into a durable
// per-(room,participant) mailbox; clients drain their mailbox on a fixed
// interval instead of holding a server-push connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/internal/rooms"
	"github.com/visio-labs/visio/internal/signaling"
)

const mailboxKeyPrefix = "mbox:"

func mailboxKey(roomID, userID string) string {
	return mailboxKeyPrefix + roomID + ":" + userID
}

// RosterResolver resolves a room's current participants. Satisfied by
// *rooms.Service.
type RosterResolver interface {
	Get(ctx context.Context, roomID string) (*rooms.Room, error)
}

// Relay is the mailbox relay service. Start subscribes to every room
// channel; each received envelope is appended to the mailbox of every
// roster member except the sender. Mailboxes live in the shared store, so
// a poll served by any process sees messages relayed by any other.
type Relay struct {
	rdb     *redis.Client
	channel *signaling.Channel
	roster  RosterResolver
	ttl     time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     *signaling.Subscription
	done    chan struct{}
}

func New(rdb *redis.Client, channel *signaling.Channel, roster RosterResolver, ttl time.Duration, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		roster:  roster,
		ttl:     ttl,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Start begins the standing subscription. The relay runs until Stop or
// until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("relay already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.started = true
	r.cancel = cancel
	r.sub = r.channel.SubscribeAll(ctx)
	r.done = make(chan struct{})

	go r.run(ctx, r.sub, r.done)

	r.log.Info().Msg("mailbox relay started")
	return nil
}

// Stop tears down the subscription and waits for the fan-out loop to
// drain. Safe to call once after a successful Start.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel, sub, done := r.cancel, r.sub, r.done
	r.started = false
	r.mu.Unlock()

	cancel()
	sub.Close()
	<-done
	r.log.Info().Msg("mailbox relay stopped")
}

func (r *Relay) run(ctx context.Context, sub *signaling.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-sub.C():
			if !ok {
				return
			}
			r.fanOut(ctx, delivery)
		}
	}
}

// fanOut appends one envelope to every non-sender mailbox of its room.
// Directed variants are fanned out too; the receiving side filters on
// target. A room that cannot be resolved loses this one envelope only.
func (r *Relay) fanOut(ctx context.Context, delivery signaling.Delivery) {
	room, err := r.roster.Get(ctx, delivery.RoomID)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", delivery.RoomID).Msg("dropping envelope for unresolvable room")
		return
	}

	payload, err := json.Marshal(delivery.Envelope)
	if err != nil {
		r.log.Error().Err(err).Str("room_id", delivery.RoomID).Msg("dropping unencodable envelope")
		return
	}

	for _, p := range room.Participants {
		if p.UserID == delivery.Envelope.SenderID {
			continue
		}
		key := mailboxKey(delivery.RoomID, p.UserID)
		if err := r.rdb.RPush(ctx, key, payload).Err(); err != nil {
			r.log.Warn().Err(err).Str("mailbox", key).Msg("failed to enqueue envelope")
			continue
		}
		// Abandoned mailboxes are reclaimed by expiry rather than a reaper.
		if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
			r.log.Warn().Err(err).Str("mailbox", key).Msg("failed to refresh mailbox ttl")
		}
	}
}

// Poll atomically drains the participant's mailbox: the read and the
// delete run in one MULTI/EXEC, so an append racing a poll lands entirely
// in this drain or entirely in the next, never both and never neither.
func (r *Relay) Poll(ctx context.Context, roomID, userID string) ([]signaling.Envelope, error) {
	key := mailboxKey(roomID, userID)

	var queued *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain mailbox %s: %w", key, err)
	}

	raw := queued.Val()
	envelopes := make([]signaling.Envelope, 0, len(raw))
	for _, item := range raw {
		var env signaling.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			r.log.Warn().Err(err).Str("mailbox", key).Msg("skipping undecodable mailbox entry")
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}
