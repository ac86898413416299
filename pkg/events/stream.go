package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamHandle receives execution progress for one work item turn. The
// turn executor calls it from a single goroutine, in order. Every
// implementation is best-effort: a handle that cannot deliver must drop
// the event rather than block or fail the turn.
type StreamHandle interface {
	// Write forwards one text delta from the model.
	Write(chunk string)

	// StartToolCall announces a tool invocation before it executes.
	StartToolCall(id, name string, args json.RawMessage)

	// FinishToolCall reports the invocation's outcome. Status is a short
	// word ("ok", "error", "blocked", "deferred"); details carries the
	// human-readable remainder.
	FinishToolCall(id, status, details string)

	// StartThinking marks the beginning of a thinking block.
	StartThinking()

	// UpdateThinking forwards one thinking delta.
	UpdateThinking(chunk string)

	// FinishThinking marks the end of a thinking block.
	FinishThinking()

	// Close finalises the stream. Called exactly once, on every turn
	// exit path. Further calls are no-ops.
	Close()
}

// Tool invocation outcomes reported through FinishToolCall.
const (
	ToolStatusOK       = "ok"
	ToolStatusError    = "error"
	ToolStatusBlocked  = "blocked"
	ToolStatusDeferred = "deferred"
)

// --- WebSocket handle ---

// PublisherHandle forwards stream events to WebSocket subscribers
// through a Publisher. Status is published with the closing done event;
// the worker sets it before Close once the work item outcome is known.
// An empty Status closes as "done".
type PublisherHandle struct {
	Status string

	pub        *Publisher
	workItemID string
	agentID    string
	closed     bool
}

// NewPublisherHandle creates a handle bound to one work item.
func NewPublisherHandle(pub *Publisher, workItemID, agentID string) *PublisherHandle {
	return &PublisherHandle{pub: pub, workItemID: workItemID, agentID: agentID}
}

// SetStatus records the outcome published with the done event.
func (h *PublisherHandle) SetStatus(status string) {
	h.Status = status
}

func (h *PublisherHandle) Write(chunk string) {
	h.pub.PublishToken(h.workItemID, h.agentID, chunk)
}

func (h *PublisherHandle) StartToolCall(id, name string, args json.RawMessage) {
	h.pub.PublishToolCall(h.workItemID, h.agentID, id, name, args)
}

func (h *PublisherHandle) FinishToolCall(id, status, details string) {
	h.pub.PublishToolResult(h.workItemID, h.agentID, id, status, details)
}

func (h *PublisherHandle) StartThinking() {
	h.pub.PublishThinkingStart(h.workItemID, h.agentID)
}

func (h *PublisherHandle) UpdateThinking(chunk string) {
	h.pub.PublishThinking(h.workItemID, h.agentID, chunk)
}

func (h *PublisherHandle) FinishThinking() {
	h.pub.PublishThinkingDone(h.workItemID, h.agentID)
}

func (h *PublisherHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	status := h.Status
	if status == "" {
		status = "done"
	}
	h.pub.PublishDone(h.workItemID, h.agentID, status)
}

// --- Terminal handle ---

// TerminalHandle renders stream events as plain text for the batch CLI.
// Model text streams through raw; tool activity is framed with >> / <<
// marker lines. Thinking deltas are suppressed unless ShowThinking is
// set. Write errors are ignored.
type TerminalHandle struct {
	ShowThinking bool

	w      io.Writer
	names  map[string]string // tool_call_id → tool name, for finish lines
	midRow bool              // last write did not end with a newline
	closed bool
}

// NewTerminalHandle creates a handle writing to w. The batch CLI passes
// stderr so the final result JSON on stdout stays machine-readable.
func NewTerminalHandle(w io.Writer) *TerminalHandle {
	return &TerminalHandle{w: w, names: make(map[string]string)}
}

func (h *TerminalHandle) Write(chunk string) {
	h.print(chunk)
}

func (h *TerminalHandle) StartToolCall(id, name string, args json.RawMessage) {
	h.names[id] = name
	h.breakLine()
	h.print(fmt.Sprintf(">> %s %s\n", name, oneLine(string(args), 120)))
}

func (h *TerminalHandle) FinishToolCall(id, status, details string) {
	name := h.names[id]
	if name == "" {
		name = id
	}
	delete(h.names, id)
	h.breakLine()
	line := fmt.Sprintf("<< %s %s", name, status)
	if details != "" {
		line += ": " + oneLine(details, 160)
	}
	h.print(line + "\n")
}

func (h *TerminalHandle) StartThinking() {
	if !h.ShowThinking {
		return
	}
	h.breakLine()
	h.print("[thinking] ")
}

func (h *TerminalHandle) UpdateThinking(chunk string) {
	if !h.ShowThinking {
		return
	}
	h.print(chunk)
}

func (h *TerminalHandle) FinishThinking() {
	if !h.ShowThinking {
		return
	}
	h.breakLine()
}

func (h *TerminalHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.breakLine()
}

// print writes s and tracks whether the cursor sits mid-line.
func (h *TerminalHandle) print(s string) {
	if s == "" {
		return
	}
	_, _ = io.WriteString(h.w, s)
	h.midRow = !strings.HasSuffix(s, "\n")
}

// breakLine terminates the current line if one is open.
func (h *TerminalHandle) breakLine() {
	if h.midRow {
		h.print("\n")
	}
}

// oneLine collapses s to a single line of at most max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// --- Null handle ---

// NullHandle discards every event. Used when no observer is attached.
type NullHandle struct{}

func (NullHandle) Write(string)                                  {}
func (NullHandle) StartToolCall(string, string, json.RawMessage) {}
func (NullHandle) FinishToolCall(string, string, string)         {}
func (NullHandle) StartThinking()                                {}
func (NullHandle) UpdateThinking(string)                         {}
func (NullHandle) FinishThinking()                               {}
func (NullHandle) Close()                                        {}

var (
	_ StreamHandle = (*PublisherHandle)(nil)
	_ StreamHandle = (*TerminalHandle)(nil)
	_ StreamHandle = NullHandle{}
)
