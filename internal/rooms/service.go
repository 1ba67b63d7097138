package rooms

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	roomIDLength       = 8
	createMaxAttempts  = 5
	listScanBatchCount = 100
)

// Service is the room directory: it owns the room:{id} hashes and is the
// only writer of rosters. Roster mutation is a read-modify-write with no
// cross-operation transaction; join and leave are idempotent so concurrent
// mutations on the same room degrade to a harmless lost update.
type Service struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewService(rdb *redis.Client, log zerolog.Logger) *Service {
	return &Service{
		rdb: rdb,
		log: log.With().Str("component", "rooms").Logger(),
	}
}

// Ping probes the backing store, reporting ErrUnavailable when it cannot
// be reached.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Create persists a new room with an empty roster and returns it.
func (s *Service) Create(ctx context.Context, name, creatorID string) (*Room, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrInvalid)
	}
	if strings.TrimSpace(creatorID) == "" {
		return nil, fmt.Errorf("%w: creator id is required", ErrInvalid)
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	// The id space makes collisions vanishingly rare, but an existing key
	// must never be overwritten: regenerate instead.
	var roomID string
	for attempt := 0; ; attempt++ {
		if attempt == createMaxAttempts {
			return nil, fmt.Errorf("could not allocate a unique room id after %d attempts", createMaxAttempts)
		}
		roomID = newRoomID()
		exists, err := s.rdb.Exists(ctx, roomKey(roomID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check room id: %w", err)
		}
		if exists == 0 {
			break
		}
		s.log.Warn().Str("room_id", roomID).Msg("room id collision, regenerating")
	}

	room := &Room{
		ID:           roomID,
		Name:         name,
		CreatorID:    creatorID,
		CreatedAt:    time.Now(),
		Participants: []Participant{},
	}

	roster, err := encodeParticipants(room.Participants)
	if err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}

	err = s.rdb.HSet(ctx, roomKey(roomID), map[string]any{
		fieldID:           room.ID,
		fieldName:         room.Name,
		fieldCreatorID:    room.CreatorID,
		fieldCreatedAt:    strconv.FormatInt(room.CreatedAt.UnixMilli(), 10),
		fieldParticipants: roster,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}

	s.log.Info().Str("room_id", roomID).Str("name", name).Str("creator_id", creatorID).Msg("room created")
	return room, nil
}

// List enumerates every room as a Summary. A room whose roster cannot be
// parsed is reported with count 0; a room that fails to load is logged and
// skipped. When the store is down the listing fails open: an empty slice
// alongside ErrUnavailable.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	if err := s.Ping(ctx); err != nil {
		return []Summary{}, err
	}

	summaries := []Summary{}
	iter := s.rdb.Scan(ctx, 0, roomKeyPrefix+"*", listScanBatchCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping unreadable room")
			continue
		}
		if data[fieldID] == "" {
			s.log.Warn().Str("key", key).Msg("skipping room with missing id field")
			continue
		}
		summaries = append(summaries, Summary{
			ID:               data[fieldID],
			Name:             data[fieldName],
			ParticipantCount: len(decodeParticipants(data[fieldParticipants])),
		})
	}
	if err := iter.Err(); err != nil {
		return []Summary{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return summaries, nil
}

// Get fetches a room by id, ErrNotFound when absent.
func (s *Service) Get(ctx context.Context, roomID string) (*Room, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}

	exists, err := s.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check room: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	data, err := s.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	return roomFromHash(roomID, data), nil
}

// Join adds a participant to the room's roster. Joining a room you are
// already in is a successful no-op.
func (s *Service) Join(ctx context.Context, roomID, userID, username string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if err := s.Ping(ctx); err != nil {
		return err
	}

	exists, err := s.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	raw, err := s.rdb.HGet(ctx, roomKey(roomID), fieldParticipants).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load roster: %w", err)
	}

	participants := decodeParticipants(raw)
	for _, p := range participants {
		if p.UserID == userID {
			return nil
		}
	}

	participants = append(participants, Participant{
		UserID:   userID,
		Username: username,
		JoinedAt: time.Now().UnixMilli(),
	})
	if err := s.writeRoster(ctx, roomID, participants); err != nil {
		return err
	}

	s.log.Info().Str("room_id", roomID).Str("user_id", userID).Int("roster_size", len(participants)).Msg("participant joined")
	return nil
}

// Leave removes a participant from the room's roster. Leaving a room you
// are not in is a successful no-op.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if err := s.Ping(ctx); err != nil {
		return err
	}

	exists, err := s.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	raw, err := s.rdb.HGet(ctx, roomKey(roomID), fieldParticipants).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load roster: %w", err)
	}

	participants := decodeParticipants(raw)
	remaining := participants[:0]
	for _, p := range participants {
		if p.UserID != userID {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == len(participants) {
		return nil
	}
	if err := s.writeRoster(ctx, roomID, remaining); err != nil {
		return err
	}

	s.log.Info().Str("room_id", roomID).Str("user_id", userID).Int("roster_size", len(remaining)).Msg("participant left")
	return nil
}

func (s *Service) writeRoster(ctx context.Context, roomID string, participants []Participant) error {
	roster, err := encodeParticipants(participants)
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}
	if err := s.rdb.HSet(ctx, roomKey(roomID), fieldParticipants, roster).Err(); err != nil {
		return fmt.Errorf("store roster: %w", err)
	}
	return nil
}

// newRoomID yields a short, shareable token. The uuid source keeps the
// collision probability negligible at this length.
func newRoomID() string {
	compact := strings.ReplaceAll(uuid.NewString(), "-", "")
	return compact[:roomIDLength]
}
