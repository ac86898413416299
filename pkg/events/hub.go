package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single WebSocket write. A client that
// cannot drain within this window has its send dropped rather than
// stalling the broadcaster.
const DefaultWriteTimeout = 5 * time.Second

// Hub owns the live WebSocket sessions and fans published events out to
// channel subscribers. The API server hands accepted connections to
// HandleConnection; publishers reach subscribers through Broadcast. One Hub
// per process.
//
// A single mutex guards both maps. subscribe/unsubscribe happen on each
// session's read goroutine and Broadcast snapshots its targets before
// writing, so the lock is never held across a network send.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session            // session id -> session
	byChan   map[string]map[string]*session // channel -> session id -> session

	writeTimeout time.Duration
}

// session is one connected WebSocket client and the channels it follows.
type session struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	chans  map[string]struct{}
}

// NewHub creates a Hub. A writeTimeout of zero falls back to
// DefaultWriteTimeout.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		sessions:     make(map[string]*session),
		byChan:       make(map[string]map[string]*session),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection runs the read loop for one accepted WebSocket
// connection and blocks until the client disconnects. The session greets
// the client with its id, then processes subscribe/unsubscribe/ping
// messages until the connection drops.
func (h *Hub) HandleConnection(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		chans:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	defer h.drop(s)

	h.send(s, map[string]string{
		"type":          MessageTypeConnectionEstablished,
		"connection_id": s.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "session_id", s.id, "error", err)
			continue
		}
		h.dispatch(s, &msg)
	}
}

// Broadcast delivers an event payload to every session subscribed to the
// channel. Failed sends are logged and skipped so one slow client never
// blocks the rest.
func (h *Hub) Broadcast(channel string, event []byte) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.byChan[channel]))
	for _, s := range h.byChan[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := h.write(s, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"session_id", s.id, "channel", channel, "error", err)
		}
	}
}

// ActiveConnections reports how many sessions are currently open.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) dispatch(s *session, msg *ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		if msg.Channel == "" {
			h.send(s, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(s, msg.Channel)
		h.send(s, map[string]string{
			"type":    MessageTypeSubscriptionConfirmed,
			"channel": msg.Channel,
		})

	case ActionUnsubscribe:
		if msg.Channel == "" {
			h.send(s, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(s, msg.Channel)

	case ActionPing:
		h.send(s, map[string]string{"type": MessageTypePong})
	}
}

func (h *Hub) subscribe(s *session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byChan[channel]
	if subs == nil {
		subs = make(map[string]*session)
		h.byChan[channel] = subs
	}
	subs[s.id] = s
	s.chans[channel] = struct{}{}
}

// unsubscribe detaches the session from a channel, dropping the channel
// entry once its last subscriber leaves.
func (h *Hub) unsubscribe(s *session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.byChan[channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.byChan, channel)
		}
	}
	delete(s.chans, channel)
}

// drop removes the session from every channel and the session map, then
// closes the connection.
func (h *Hub) drop(s *session) {
	h.mu.Lock()
	for ch := range s.chans {
		if subs, ok := h.byChan[ch]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(h.byChan, ch)
			}
		}
	}
	delete(h.sessions, s.id)
	h.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) send(s *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "session_id", s.id, "error", err)
		return
	}
	if err := h.write(s, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "session_id", s.id, "error", err)
	}
}

func (h *Hub) write(s *session, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, h.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
