package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/internal/rooms"
)

const storeUnavailableMsg = "Service temporarily unavailable, please retry later"

// RoomHandlers exposes the room directory over HTTP.
type RoomHandlers struct {
	svc *rooms.Service
	log zerolog.Logger
}

func NewRoomHandlers(svc *rooms.Service, log zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		svc: svc,
		log: log.With().Str("component", "room_handlers").Logger(),
	}
}

type createRoomRequest struct {
	Name      string `json:"name"`
	CreatorID string `json:"creatorId"`
}

type joinRoomRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type leaveRoomRequest struct {
	UserID string `json:"userId"`
}

// Create handles POST /rooms.
func (h *RoomHandlers) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	room, err := h.svc.Create(c.Request.Context(), req.Name, req.CreatorID)
	if err != nil {
		h.writeError(c, err, "Failed to create room")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"roomId": room.ID, "name": room.Name})
}

// List handles GET /rooms. When the store is down the response still
// carries an empty rooms array so the caller's room browser degrades
// instead of breaking.
func (h *RoomHandlers) List(c *gin.Context) {
	summaries, err := h.svc.List(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		msg := "Failed to list rooms"
		if errors.Is(err, rooms.ErrUnavailable) {
			status = http.StatusServiceUnavailable
			msg = storeUnavailableMsg
		}
		h.log.Error().Err(err).Msg("room listing failed")
		c.JSON(status, gin.H{"error": msg, "rooms": summaries})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": summaries})
}

// Get handles GET /rooms/:roomId.
func (h *RoomHandlers) Get(c *gin.Context) {
	room, err := h.svc.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.writeError(c, err, "Failed to load room")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           room.ID,
		"name":         room.Name,
		"creatorId":    room.CreatorID,
		"participants": room.Participants,
	})
}

// Join handles POST /rooms/:roomId.
func (h *RoomHandlers) Join(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := h.svc.Join(c.Request.Context(), c.Param("roomId"), req.UserID, req.Username)
	if err != nil {
		h.writeError(c, err, "Failed to join room")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Leave handles DELETE /rooms/:roomId.
func (h *RoomHandlers) Leave(c *gin.Context) {
	var req leaveRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := h.svc.Leave(c.Request.Context(), c.Param("roomId"), req.UserID)
	if err != nil {
		h.writeError(c, err, "Failed to leave room")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// writeError maps the rooms error taxonomy onto HTTP statuses.
func (h *RoomHandlers) writeError(c *gin.Context, err error, internalMsg string) {
	switch {
	case errors.Is(err, rooms.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rooms.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, rooms.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": storeUnavailableMsg})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("unexpected error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": internalMsg})
	}
}
