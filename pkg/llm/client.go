// Package llm defines the model client contract the turn executor consumes
// and its Anthropic binding. Provider specifics stay behind the Client
// interface; the executor only sees a stream of typed chunks.
package llm

import (
	"context"
	"encoding/json"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// Client generates model responses as a stream of chunks.
type Client interface {
	// Generate sends a conversation to the model and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Provider errors are delivered as ErrorChunk values in the channel.
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Close releases the underlying transport.
	Close() error
}

// Request is one model invocation.
type Request struct {
	Messages []models.Message

	// Tools offered to the model for this call. Nil means no tools.
	Tools []ToolDefinition

	// Model overrides the client's configured model when non-empty.
	Model string

	MaxTokens   int
	Temperature float64
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeStop     ChunkType = "stop"
	ChunkTypeError    ChunkType = "error"
)

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// TextChunk is a fragment of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a fragment of the model's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool. Arguments hold the
// fully assembled JSON payload.
type ToolCallChunk struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// UsageChunk reports token consumption for this model call.
type UsageChunk struct{ InputTokens, OutputTokens int }

// StopChunk marks the end of the model's response.
type StopChunk struct{ StopReason string }

// ErrorChunk signals a provider error. Code carries the provider error class
// so callers can wrap it without parsing the message.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *StopChunk) chunkType() ChunkType     { return ChunkTypeStop }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
