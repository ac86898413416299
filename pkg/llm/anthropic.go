package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// MessagesClient captures the subset of the Anthropic SDK the binding uses.
// It is satisfied by *sdk.MessageService so tests can substitute a scripted
// event stream.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	messages  MessagesClient
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewAnthropicClient builds a client from configuration, reading the API key
// from the environment variable the config names.
func NewAnthropicClient(cfg config.LLMConfig) (*AnthropicClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("missing_env: %s is not set", keyEnv)
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClientWith(&ac.Messages, cfg)
}

// NewAnthropicClientWith builds a client over an explicit messages transport.
func NewAnthropicClientWith(messages MessagesClient, cfg config.LLMConfig) (*AnthropicClient, error) {
	if messages == nil {
		return nil, errors.New("messages client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultLLMConfig().MaxOutputTokens
	}
	return &AnthropicClient{
		messages:  messages,
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "llm.anthropic"),
	}, nil
}

// Generate implements Client. The stream goroutine owns the SDK stream and
// closes the chunk channel on every exit path.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	stream := c.messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}

	chunks := make(chan Chunk, 32)
	go c.pump(ctx, stream, chunks)
	return chunks, nil
}

// Close implements Client. The SDK client is plain HTTP and holds nothing to
// release.
func (c *AnthropicClient) Close() error { return nil }

func (c *AnthropicClient) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return &params, nil
}

// encodeMessages maps conversation history onto Anthropic's block layout:
// system text rides in the dedicated system field, tool returns travel as
// tool_result blocks inside user messages, and assistant tool calls become
// tool_use blocks.
func encodeMessages(msgs []models.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case models.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))

		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				input, err := decodeToolInput(call.Args)
				if err != nil {
					return nil, nil, fmt.Errorf("anthropic: tool call %s arguments: %w", call.ID, err)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))

		case models.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool return message missing tool_call_id")
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func decodeToolInput(args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var input any
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	return input, nil
}

func encodeTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if props, ok := def.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(def.InputSchema["required"])
		out = append(out, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			InputSchema: schema,
		}})
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// pump drains the SDK event stream into typed chunks. Tool-call argument
// fragments are buffered per content block and emitted whole on block stop.
func (c *AnthropicClient) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	type toolBuffer struct {
		id, name  string
		fragments []string
	}
	toolBlocks := make(map[int]*toolBuffer)
	stopReason := ""

	emit := func(chunk Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			toolBlocks = make(map[int]*toolBuffer)
			stopReason = ""

		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" && !emit(&TextChunk{Content: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" && !emit(&ThinkingChunk{Content: delta.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				args := strings.TrimSpace(strings.Join(tb.fragments, ""))
				if args == "" {
					args = "{}"
				}
				if !emit(&ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: json.RawMessage(args)}) {
					return
				}
			}

		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			if !emit(&UsageChunk{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			}) {
				return
			}

		case sdk.MessageStopEvent:
			if !emit(&StopChunk{StopReason: stopReason}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		c.logger.Error("Failed to stream model response", "error", err)
		emit(classifyStreamError(err))
		return
	}
	if err := ctx.Err(); err != nil {
		emit(&ErrorChunk{Message: err.Error(), Code: "Cancelled"})
	}
}

// classifyStreamError maps provider failures onto stable error class names so
// the executor can wrap them without parsing message text.
func classifyStreamError(err error) *ErrorChunk {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code, retryable := classifyStatusCode(apiErr.StatusCode)
		return &ErrorChunk{Message: err.Error(), Code: code, Retryable: retryable}
	}
	return &ErrorChunk{Message: err.Error(), Code: "TransportError", Retryable: true}
}

func classifyStatusCode(status int) (string, bool) {
	switch {
	case status == 429:
		return "RateLimitError", true
	case status == 401 || status == 403:
		return "AuthenticationError", false
	case status == 400:
		return "InvalidRequestError", false
	case status == 404:
		return "NotFoundError", false
	case status >= 500:
		return "APIError", true
	default:
		return "APIError", false
	}
}
