package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/internal/relay"
	"github.com/visio-labs/visio/internal/signaling"
)

// RTCHandlers exposes the signaling surface: publish onto the room
// channel, and drain the caller's mailbox.
type RTCHandlers struct {
	channel *signaling.Channel
	relay   *relay.Relay
	log     zerolog.Logger
}

func NewRTCHandlers(channel *signaling.Channel, relay *relay.Relay, log zerolog.Logger) *RTCHandlers {
	return &RTCHandlers{
		channel: channel,
		relay:   relay,
		log:     log.With().Str("component", "rtc_handlers").Logger(),
	}
}

type publishRequest struct {
	RoomID   string            `json:"roomId"`
	SenderID string            `json:"senderId"`
	Message  signaling.Message `json:"message"`
}

// Publish handles POST /rtc.
func (h *RTCHandlers) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.RoomID == "" || req.SenderID == "" || req.Message.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing parameters"})
		return
	}

	env := signaling.NewEnvelope(req.SenderID, req.Message)
	if err := h.channel.Publish(c.Request.Context(), req.RoomID, env); err != nil {
		h.log.Error().Err(err).Str("room_id", req.RoomID).Msg("publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish message"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Poll handles GET /rtc/poll. The drain is atomic: a concurrent publish
// either shows up in this response or in the next one.
func (h *RTCHandlers) Poll(c *gin.Context) {
	roomID := c.Query("roomId")
	userID := c.Query("userId")
	if roomID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing parameters"})
		return
	}

	envelopes, err := h.relay.Poll(c.Request.Context(), roomID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("mailbox drain failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to poll messages", "messages": []signaling.Envelope{}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": envelopes})
}
