package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visio-labs/visio/internal/signaling"
)

// waitForRoomSubscribers blocks until the room channel has at least min
// subscribers, so a following publish cannot race the SUBSCRIBE.
func waitForRoomSubscribers(t *testing.T, ts *testServer, roomID string, min int64) {
	t.Helper()
	channel := "room:" + roomID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := ts.rdb.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && counts[channel] >= min {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers", channel, min)
}

func dialRoom(t *testing.T, srv *httptest.Server, roomID, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + roomID + "?userId=" + userID + "&username=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signaling.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env signaling.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode frame %q: %v", frame, err)
	}
	return env
}

func TestWebSocketRejectsUnknownRoom(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/doesnotexist?userId=u1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial to unknown room succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response=%v, want 404", resp)
	}
	resp.Body.Close()
}

func TestFailedUpgradeLeavesNoRosterEntry(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	room, err := ts.svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	// A plain GET carries no upgrade headers, so the handshake is rejected.
	resp, err := http.Get(srv.URL + "/ws/rooms/" + room.ID + "?userId=ghost&username=ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}

	got, err := ts.svc.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Participants) != 0 {
		t.Fatalf("roster after failed upgrade=%+v, want empty", got.Participants)
	}
}

func TestWebSocketJoinsRosterAndStreamsChannel(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	room, err := ts.svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	conn := dialRoom(t, srv, room.ID, "u2")

	// The connection joined the roster on upgrade.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := ts.svc.Get(ctx, room.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Participants) == 1 && got.Participants[0].UserID == "u2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster=%+v, want [u2]", got.Participants)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Channel traffic from another sender reaches the socket.
	waitForRoomSubscribers(t, ts, room.ID, 1)
	env := signaling.NewEnvelope("u1", signaling.Message{Type: signaling.TypeChatMessage, Content: "hello"})
	if err := ts.channel.Publish(ctx, room.ID, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := readEnvelope(t, conn)
	if got.SenderID != "u1" || got.Message.Content != "hello" {
		t.Fatalf("received %+v, want u1's chat message", got)
	}
}

func TestWebSocketPublishesInboundFrames(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	room, err := ts.svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	sub := ts.channel.SubscribeRoom(ctx, room.ID)
	t.Cleanup(func() { sub.Close() })
	waitForRoomSubscribers(t, ts, room.ID, 1)

	conn := dialRoom(t, srv, room.ID, "u2")

	// The transport announces presence on connect.
	first := recvDeliveryHandlers(t, sub)
	if first.Envelope.SenderID != "u2" || first.Envelope.Message.Type != signaling.TypeJoinRoom {
		t.Fatalf("first envelope=%+v, want u2 join-room", first.Envelope)
	}

	frame := `{"type":"chat-message","content":"from-socket"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	second := recvDeliveryHandlers(t, sub)
	if second.Envelope.SenderID != "u2" || second.Envelope.Message.Content != "from-socket" {
		t.Fatalf("second envelope=%+v, want u2's chat message", second.Envelope)
	}
}

func TestWebSocketDisconnectLeavesRosterAndAnnounces(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	room, err := ts.svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	sub := ts.channel.SubscribeRoom(ctx, room.ID)
	t.Cleanup(func() { sub.Close() })
	waitForRoomSubscribers(t, ts, room.ID, 1)

	conn := dialRoom(t, srv, room.ID, "u2")
	join := recvDeliveryHandlers(t, sub)
	if join.Envelope.Message.Type != signaling.TypeJoinRoom {
		t.Fatalf("first envelope=%+v, want join-room", join.Envelope)
	}

	conn.Close()

	leave := recvDeliveryHandlers(t, sub)
	if leave.Envelope.SenderID != "u2" || leave.Envelope.Message.Type != signaling.TypeLeaveRoom {
		t.Fatalf("envelope after close=%+v, want u2 leave-room", leave.Envelope)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := ts.svc.Get(ctx, room.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Participants) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster=%+v, want empty after disconnect", got.Participants)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recvDeliveryHandlers(t *testing.T, sub *signaling.Subscription) signaling.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return signaling.Delivery{}
}
