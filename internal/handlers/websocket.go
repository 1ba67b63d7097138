package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/internal/rooms"
	"github.com/visio-labs/visio/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// WSHandlers is the server-push signaling transport, for clients that can
// hold a connection open instead of polling. Frames go through the same
// room channel as the poll API, so both transports interoperate.
type WSHandlers struct {
	svc     *rooms.Service
	channel *signaling.Channel
	log     zerolog.Logger
}

func NewWSHandlers(svc *rooms.Service, channel *signaling.Channel, log zerolog.Logger) *WSHandlers {
	return &WSHandlers{
		svc:     svc,
		channel: channel,
		log:     log.With().Str("component", "ws_handlers").Logger(),
	}
}

// wsClient is one upgraded connection.
type wsClient struct {
	roomID   string
	userID   string
	conn     *websocket.Conn
	send     chan []byte
	handlers *WSHandlers
	log      zerolog.Logger
}

// Signaling handles GET /ws/rooms/:roomId.
func (h *WSHandlers) Signaling(c *gin.Context) {
	roomID := c.Param("roomId")

	userID := c.Query("userId")
	if userID == "" {
		userID = uuid.NewString()
	}
	username := c.Query("username")
	if username == "" {
		username = userID
	}

	ctx := c.Request.Context()
	if _, err := h.svc.Get(ctx, roomID); err != nil {
		switch {
		case errors.Is(err, rooms.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		case errors.Is(err, rooms.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": storeUnavailableMsg})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		}
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The request context dies with the handler; the connection outlives
	// it, so roster membership and the subscription get their own.
	connCtx := context.Background()

	// Only an upgraded connection holds a roster entry; a rejected
	// handshake must not leave a ghost participant behind.
	if err := h.svc.Join(connCtx, roomID, userID, username); err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("roster join failed")
		conn.Close()
		return
	}

	client := &wsClient{
		roomID:   roomID,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		handlers: h,
		log:      h.log.With().Str("room_id", roomID).Str("user_id", userID).Logger(),
	}

	sub := h.channel.SubscribeRoom(connCtx, roomID)

	client.log.Info().Msg("websocket peer connected")

	go client.writePump()
	go client.forwardPump(sub)
	go client.readPump(connCtx, sub)

	// Announce presence so existing peers start negotiating with us.
	h.publish(connCtx, client, signaling.Message{Type: signaling.TypeJoinRoom})
}

func (h *WSHandlers) publish(ctx context.Context, client *wsClient, msg signaling.Message) {
	env := signaling.NewEnvelope(client.userID, msg)
	if err := h.channel.Publish(ctx, client.roomID, env); err != nil {
		client.log.Error().Err(err).Str("type", string(msg.Type)).Msg("channel publish failed")
	}
}

// readPump consumes inbound frames and republishes them on the room
// channel. On any read error the connection is torn down: roster entry
// removed, leave-room announced.
func (c *wsClient) readPump(ctx context.Context, sub *signaling.Subscription) {
	defer func() {
		sub.Close()
		c.conn.Close()

		if err := c.handlers.svc.Leave(ctx, c.roomID, c.userID); err != nil {
			c.log.Warn().Err(err).Msg("failed to remove roster entry on disconnect")
		}
		c.handlers.publish(ctx, c, signaling.Message{Type: signaling.TypeLeaveRoom})
		c.log.Info().Msg("websocket peer disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.log.Warn().Err(err).Msg("dropping unparsable frame")
			continue
		}
		if msg.Type == "" {
			c.log.Warn().Msg("dropping frame with no type")
			continue
		}

		c.handlers.publish(ctx, c, msg)
	}
}

// forwardPump streams channel traffic out to the socket, skipping the
// client's own messages. It owns the send channel.
func (c *wsClient) forwardPump(sub *signaling.Subscription) {
	defer close(c.send)

	for delivery := range sub.C() {
		if delivery.Envelope.SenderID == c.userID {
			continue
		}
		frame, err := json.Marshal(delivery.Envelope)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to encode envelope")
			continue
		}
		select {
		case c.send <- frame:
		default:
			c.log.Warn().Msg("send buffer full, dropping envelope")
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
