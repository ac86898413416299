package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ScriptedClient plays pre-programmed turns. Each Generate call consumes the
// next scripted turn in order; requests are recorded for assertions. It backs
// the "mock" provider and the end-to-end scenarios.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    [][]Chunk
	next     int
	requests []*Request
}

// NewScriptedClient builds a client that answers successive Generate calls
// with the given turns.
func NewScriptedClient(turns ...[]Chunk) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Append adds turns to the end of the script.
func (c *ScriptedClient) Append(turns ...[]Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

// Generate implements Client.
func (c *ScriptedClient) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.turns) {
		n := c.next
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted client: no turn %d in script", n+1)
	}
	turn := c.turns[c.next]
	c.next++
	c.mu.Unlock()

	chunks := make(chan Chunk, len(turn))
	go func() {
		defer close(chunks)
		for _, chunk := range turn {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// Requests returns every recorded Generate request so far.
func (c *ScriptedClient) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// TextTurn scripts a turn that answers with plain text.
func TextTurn(text string) []Chunk {
	return []Chunk{
		&TextChunk{Content: text},
		&UsageChunk{InputTokens: 120, OutputTokens: 40},
		&StopChunk{StopReason: "end_turn"},
	}
}

// ToolCallTurn scripts a turn that requests one tool call.
func ToolCallTurn(callID, name, argsJSON string) []Chunk {
	return []Chunk{
		&ToolCallChunk{CallID: callID, Name: name, Arguments: json.RawMessage(argsJSON)},
		&UsageChunk{InputTokens: 150, OutputTokens: 30},
		&StopChunk{StopReason: "tool_use"},
	}
}

// ErrorTurn scripts a provider failure.
func ErrorTurn(code, message string) []Chunk {
	return []Chunk{&ErrorChunk{Message: message, Code: code}}
}
