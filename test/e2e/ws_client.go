package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/events"
)

// wsMessage is the union of control messages and event envelopes arriving on
// one connection. Control messages carry type; events carry op.
type wsMessage struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel"`
	Op      string         `json:"op"`
	Data    map[string]any `json:"data"`
}

// wsClient drives the subscribe protocol for assertions.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// newWSClient dials the app's WebSocket endpoint and consumes the
// connection.established greeting.
func newWSClient(t *testing.T, app *TestApp) *wsClient {
	t.Helper()

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, app.WSURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	c := &wsClient{t: t, conn: conn}
	greeting := c.read(5 * time.Second)
	require.Equal(t, events.MessageTypeConnectionEstablished, greeting.Type)
	return c
}

// subscribe joins a channel and waits for the confirmation.
func (c *wsClient) subscribe(channel string) {
	c.t.Helper()
	c.write(events.ClientMessage{Action: events.ActionSubscribe, Channel: channel})
	msg := c.read(5 * time.Second)
	require.Equal(c.t, events.MessageTypeSubscriptionConfirmed, msg.Type)
	require.Equal(c.t, channel, msg.Channel)
}

// collectUntilDone reads stream events until the done event or the deadline.
func (c *wsClient) collectUntilDone(timeout time.Duration) []wsMessage {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var collected []wsMessage
	for {
		remaining := time.Until(deadline)
		require.Positive(c.t, remaining, "no done event within %s (got %d events)", timeout, len(collected))
		msg := c.read(remaining)
		if msg.Op == "" {
			continue
		}
		collected = append(collected, msg)
		if msg.Op == events.OpDone {
			return collected
		}
	}
}

func (c *wsClient) write(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *wsClient) read(timeout time.Duration) wsMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var msg wsMessage
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// opsOf extracts the op sequence from collected events.
func opsOf(messages []wsMessage) []string {
	ops := make([]string, len(messages))
	for i, m := range messages {
		ops[i] = m.Op
	}
	return ops
}
