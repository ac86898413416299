package tools

import (
	"context"
	"encoding/json"
	"sync"
)

// StubTool returns canned responses for testing. The disposition defaults to
// allow; set Verdict to exercise the executor's gate routing.
type StubTool struct {
	ToolName string
	Verdict  Disposition
	Reply    string
	IsError  bool

	// CallErr, when set, is returned as the Go error from Call.
	CallErr error

	mu    sync.Mutex
	calls []json.RawMessage
}

// NewStubTool creates a stub that answers every call with reply.
func NewStubTool(name, reply string) *StubTool {
	return &StubTool{ToolName: name, Reply: reply}
}

func (s *StubTool) Definition() Definition {
	return Definition{
		Name:        s.ToolName,
		Description: "stub tool",
		InputSchema: map[string]any{"type": "object"},
	}
}

func (s *StubTool) Gate(json.RawMessage) Disposition {
	if s.Verdict == "" {
		return DispositionAllow
	}
	return s.Verdict
}

func (s *StubTool) Call(_ context.Context, args json.RawMessage) (*Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	if s.CallErr != nil {
		return nil, s.CallErr
	}
	return &Result{Content: s.Reply, IsError: s.IsError}, nil
}

// Calls returns the recorded arguments of every call so far.
func (s *StubTool) Calls() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.calls))
	copy(out, s.calls)
	return out
}
