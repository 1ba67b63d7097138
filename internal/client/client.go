// Package client joins a room over the signaling service's HTTP surface
// and drives one peer negotiation state machine per remote participant.
// Delivery is poll-based: a fixed-interval drain of the server-side
// mailbox bounds signaling latency to roughly the poll period.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/internal/signaling"
)

const (
	defaultPollInterval = time.Second
	defaultHTTPTimeout  = 10 * time.Second

	// Candidates arriving before their peer connection exists are
	// buffered and flushed on creation; the cap bounds a misbehaving
	// peer's memory cost.
	maxBufferedCandidates = 32
)

type Config struct {
	ServerURL string
	RoomID    string

	// UserID is client-generated and opaque; one is minted when empty.
	UserID   string
	Username string

	PollInterval      time.Duration
	NewPeerConnection PeerConnectionFactory
	HTTPClient        *http.Client
	Logger            zerolog.Logger

	// OnChat fires for every received chat-message.
	OnChat func(senderID, content string)
	// OnPeerStateChange fires when a peer reaches connected or a
	// terminal state.
	OnPeerStateChange func(peerID string, state PeerState)
}

// Client is one participant's view of a room.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string][]json.RawMessage
	joined   bool
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.NewPeerConnection == nil {
		return nil, errors.New("peer connection factory is required")
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.Username == "" {
		cfg.Username = cfg.UserID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		log:      cfg.Logger.With().Str("component", "rtc_client").Str("room_id", cfg.RoomID).Str("user_id", cfg.UserID).Logger(),
		sessions: make(map[string]*session),
		pending:  make(map[string][]json.RawMessage),
	}, nil
}

func (c *Client) UserID() string {
	return c.cfg.UserID
}

// Join adds the local user to the room's roster, announces presence on
// the signaling channel, and starts the poll loop.
func (c *Client) Join(ctx context.Context) error {
	// Claim the joined flag before any network call, so a concurrent
	// Join cannot pass the guard and start a second poll loop.
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return errors.New("already joined")
	}
	c.joined = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()
	}

	err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(c.cfg.RoomID), map[string]string{
		"userId":   c.cfg.UserID,
		"username": c.cfg.Username,
	})
	if err != nil {
		release()
		return fmt.Errorf("join room: %w", err)
	}

	if err := c.publish(ctx, signaling.Message{Type: signaling.TypeJoinRoom}); err != nil {
		release()
		return fmt.Errorf("announce presence: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.pollLoop(runCtx, done)

	c.log.Info().Msg("joined room")
	return nil
}

// Leave stops the poll loop (no tick fires after cancellation), removes
// the roster entry, announces leave-room, and closes every peer.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	// cancel is nil while a concurrent Join is still mid-flight; there is
	// no poll loop to stop yet, so treat it as not joined.
	if !c.joined || c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	<-done

	var firstErr error
	if err := c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(c.cfg.RoomID), map[string]string{
		"userId": c.cfg.UserID,
	}); err != nil {
		firstErr = fmt.Errorf("leave room: %w", err)
	}
	if err := c.publish(ctx, signaling.Message{Type: signaling.TypeLeaveRoom}); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("announce leave: %w", err)
	}

	for _, peerID := range c.peerIDs() {
		c.dropPeer(peerID, PeerDisconnected)
	}

	c.log.Info().Msg("left room")
	return firstErr
}

// SendChat publishes a chat-message to the room.
func (c *Client) SendChat(ctx context.Context, content string) error {
	if content == "" {
		return errors.New("chat content is empty")
	}
	return c.publish(ctx, signaling.Message{Type: signaling.TypeChatMessage, Content: content})
}

// Peers snapshots the per-peer negotiation states.
func (c *Client) Peers() map[string]PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make(map[string]PeerState, len(c.sessions))
	for id, sess := range c.sessions {
		peers[id] = sess.State()
	}
	return peers
}

func (c *Client) peerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	endpoint := fmt.Sprintf("%s/rtc/poll?roomId=%s&userId=%s",
		c.cfg.ServerURL, url.QueryEscape(c.cfg.RoomID), url.QueryEscape(c.cfg.UserID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("build poll request")
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Transient transport failures degrade to latency, not a crash.
		c.log.Warn().Err(err).Msg("poll failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.log.Warn().Str("status", resp.Status).Msg("poll returned non-200")
		return
	}

	var payload struct {
		Messages []signaling.Envelope `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.log.Warn().Err(err).Msg("decode poll response")
		return
	}

	for _, env := range payload.Messages {
		c.handleEnvelope(ctx, env)
	}
}

// handleEnvelope is the state machine's dispatch point. Fan-out upstream
// is roster-wide, so directed variants not addressed to this user are
// discarded here.
func (c *Client) handleEnvelope(ctx context.Context, env signaling.Envelope) {
	if env.SenderID == c.cfg.UserID {
		return
	}
	msg := env.Message

	switch msg.Type {
	case signaling.TypeJoinRoom:
		c.handleJoin(ctx, env.SenderID)
	case signaling.TypeOffer:
		if msg.TargetID == c.cfg.UserID {
			c.handleOffer(ctx, env.SenderID, msg)
		}
	case signaling.TypeAnswer:
		if msg.TargetID == c.cfg.UserID {
			c.handleAnswer(env.SenderID, msg)
		}
	case signaling.TypeICECandidate:
		if msg.TargetID == c.cfg.UserID {
			c.handleCandidate(env.SenderID, msg)
		}
	case signaling.TypeLeaveRoom:
		c.dropPeer(env.SenderID, PeerDisconnected)
	case signaling.TypeChatMessage:
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(env.SenderID, msg.Content)
		}
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
	}
}

// handleJoin reacts to a new participant: this side creates the peer
// connection and makes the offer.
func (c *Client) handleJoin(ctx context.Context, peerID string) {
	sess, err := c.ensureSession(peerID)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("create peer connection")
		return
	}

	offer, err := sess.pc.CreateOffer(ctx)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("create offer")
		return
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("set local offer")
		return
	}
	if err := c.publish(ctx, signaling.Message{
		Type:     signaling.TypeOffer,
		TargetID: peerID,
		SDP:      &offer,
	}); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("send offer")
	}
}

func (c *Client) handleOffer(ctx context.Context, peerID string, msg signaling.Message) {
	if msg.SDP == nil {
		c.log.Warn().Str("peer_id", peerID).Msg("offer without sdp")
		return
	}

	sess, err := c.ensureSession(peerID)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("create peer connection")
		return
	}

	if err := sess.pc.SetRemoteDescription(*msg.SDP); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("set remote offer")
		return
	}
	answer, err := sess.pc.CreateAnswer(ctx)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("create answer")
		return
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("set local answer")
		return
	}
	if err := c.publish(ctx, signaling.Message{
		Type:     signaling.TypeAnswer,
		TargetID: peerID,
		SDP:      &answer,
	}); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("send answer")
	}
}

// handleAnswer applies the answer to the matching connection. No matching
// connection means a stale message, not an error.
func (c *Client) handleAnswer(peerID string, msg signaling.Message) {
	if msg.SDP == nil {
		c.log.Warn().Str("peer_id", peerID).Msg("answer without sdp")
		return
	}

	sess := c.lookup(peerID)
	if sess == nil {
		c.log.Debug().Str("peer_id", peerID).Msg("stale answer, no session")
		return
	}
	if err := sess.pc.SetRemoteDescription(*msg.SDP); err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("set remote answer")
	}
}

// handleCandidate applies the candidate, or buffers it when the session
// does not exist yet. Buffered candidates flush on session creation.
func (c *Client) handleCandidate(peerID string, msg signaling.Message) {
	if len(msg.Candidate) == 0 {
		return
	}

	sess := c.lookup(peerID)
	if sess == nil {
		c.mu.Lock()
		if len(c.pending[peerID]) < maxBufferedCandidates {
			c.pending[peerID] = append(c.pending[peerID], msg.Candidate)
		} else {
			c.log.Warn().Str("peer_id", peerID).Msg("candidate buffer full, dropping")
		}
		c.mu.Unlock()
		return
	}

	if err := sess.pc.AddICECandidate(msg.Candidate); err != nil {
		c.log.Warn().Err(err).Str("peer_id", peerID).Msg("add candidate")
	}
}

func (c *Client) lookup(peerID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[peerID]
}

// ensureSession returns the existing session for the peer or builds one,
// wiring candidate and state callbacks and flushing buffered candidates.
func (c *Client) ensureSession(peerID string) (*session, error) {
	if sess := c.lookup(peerID); sess != nil {
		return sess, nil
	}

	pc, err := c.cfg.NewPeerConnection()
	if err != nil {
		return nil, err
	}

	sess := &session{peerID: peerID, pc: pc, state: PeerNegotiating}

	pc.OnICECandidate(func(candidate json.RawMessage) {
		if err := c.publish(c.backgroundCtx(), signaling.Message{
			Type:      signaling.TypeICECandidate,
			TargetID:  peerID,
			Candidate: candidate,
		}); err != nil {
			c.log.Warn().Err(err).Str("peer_id", peerID).Msg("send candidate")
		}
	})
	pc.OnStateChange(func(state PeerState) {
		c.onPeerState(peerID, state)
	})

	c.mu.Lock()
	if existing, ok := c.sessions[peerID]; ok {
		// Lost a construction race, keep the winner.
		c.mu.Unlock()
		pc.Close()
		return existing, nil
	}
	c.sessions[peerID] = sess
	buffered := c.pending[peerID]
	delete(c.pending, peerID)
	c.mu.Unlock()

	for _, candidate := range buffered {
		if err := pc.AddICECandidate(candidate); err != nil {
			c.log.Warn().Err(err).Str("peer_id", peerID).Msg("apply buffered candidate")
		}
	}

	c.log.Info().Str("peer_id", peerID).Msg("peer session created")
	return sess, nil
}

// onPeerState funnels transport state changes from the connection.
func (c *Client) onPeerState(peerID string, state PeerState) {
	if state.terminal() {
		c.dropPeer(peerID, state)
		return
	}
	if state != PeerConnected {
		return
	}

	sess := c.lookup(peerID)
	if sess == nil {
		return
	}
	sess.setState(PeerConnected)
	c.log.Info().Str("peer_id", peerID).Msg("peer connected")
	c.notifyState(peerID, PeerConnected)
}

// dropPeer tears down one peer's session and reports the terminal state.
// Idempotent: a leave-room racing a transport failure tears down once.
func (c *Client) dropPeer(peerID string, state PeerState) {
	c.mu.Lock()
	sess := c.sessions[peerID]
	delete(c.sessions, peerID)
	delete(c.pending, peerID)
	c.mu.Unlock()

	if sess == nil {
		return
	}
	sess.setState(state)
	sess.pc.Close()
	c.log.Info().Str("peer_id", peerID).Str("state", string(state)).Msg("peer session closed")
	c.notifyState(peerID, state)
}

func (c *Client) notifyState(peerID string, state PeerState) {
	if c.cfg.OnPeerStateChange != nil {
		c.cfg.OnPeerStateChange(peerID, state)
	}
}

// backgroundCtx is the context for work initiated by transport callbacks,
// which outlive any single poll tick.
func (c *Client) backgroundCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Client) publish(ctx context.Context, msg signaling.Message) error {
	return c.do(ctx, http.MethodPost, "/rtc", map[string]any{
		"roomId":   c.cfg.RoomID,
		"senderId": c.cfg.UserID,
		"message":  msg,
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	return nil
}
