package rooms

import (
	"encoding/json"
	"strconv"
	"time"
)

// Room is a named conferencing session with an ordered roster of
// participants. The roster order is join order.
type Room struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatorID    string        `json:"creatorId"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

// Participant is one roster entry.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	JoinedAt int64  `json:"joinedAt"` // unix milliseconds
}

// Summary is the room listing shape: no roster, only its size.
type Summary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
}

const roomKeyPrefix = "room:"

func roomKey(roomID string) string {
	return roomKeyPrefix + roomID
}

// Hash field names of the room:{id} key.
const (
	fieldID           = "id"
	fieldName         = "name"
	fieldCreatorID    = "creatorId"
	fieldCreatedAt    = "createdAt"
	fieldParticipants = "participants"
)

// decodeParticipants recovers a roster from its stored JSON. A corrupt
// roster yields an empty one; a single bad room must never poison reads.
func decodeParticipants(raw string) []Participant {
	if raw == "" {
		return nil
	}
	var participants []Participant
	if err := json.Unmarshal([]byte(raw), &participants); err != nil {
		return nil
	}
	return participants
}

func encodeParticipants(participants []Participant) (string, error) {
	if participants == nil {
		participants = []Participant{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func roomFromHash(roomID string, data map[string]string) *Room {
	createdAt := time.Time{}
	if millis, err := strconv.ParseInt(data[fieldCreatedAt], 10, 64); err == nil {
		createdAt = time.UnixMilli(millis)
	}

	id := data[fieldID]
	if id == "" {
		id = roomID
	}

	participants := decodeParticipants(data[fieldParticipants])
	if participants == nil {
		participants = []Participant{}
	}

	return &Room{
		ID:           id,
		Name:         data[fieldName],
		CreatorID:    data[fieldCreatorID],
		CreatedAt:    createdAt,
		Participants: participants,
	}
}
