package agent

import (
	"context"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/checkpoint"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/tools"
)

// TurnResult is the outcome of one bounded turn.
type TurnResult struct {
	// Text is the model's final response. Empty when the turn deferred.
	Text string

	// Deferred lists approve-tier tool calls awaiting an envelope, in the
	// order the model requested them. Non-empty means the turn paused.
	Deferred []models.ToolCallRequest

	// Messages is the full conversation history after the turn.
	Messages []models.Message

	// Rounds counts completed model rounds across the work item's life,
	// including rounds from before a continuation.
	Rounds int

	// TokensUsed is the prompt+completion total this turn consumed.
	TokensUsed int
}

// modelResponse is one fully collected model round.
type modelResponse struct {
	Text      string
	ToolCalls []models.ToolCall
}

// Turn runs the tool-calling loop until the model answers without tool
// calls, an approve-tier call defers the turn, or a guard trips. On a
// continuation, resumed carries the verified approver verdicts and the
// pending calls of the last assistant message are resolved before the model
// is called again. startRound seeds the round counter from the checkpoint.
//
// Guard breaches return *LimitError; provider failures return
// *RuntimeError. The stream handle receives every delta and tool event but
// is not closed here; the caller owns its lifecycle.
func (rt *Runtime) Turn(ctx context.Context, messages []models.Message, resumed *models.DeferredToolResults, startRound int, stream events.StreamHandle) (*TurnResult, error) {
	track := newTracker(rt.Guards, rt.logger)
	rounds := startRound

	if resumed != nil {
		var err error
		messages, err = rt.resolvePending(ctx, messages, resumed, track, stream)
		if err != nil {
			return nil, err
		}
		rt.saveCheckpoint(ctx, messages, rounds)
	}

	defs := rt.toolDefinitions()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := track.checkClock(); err != nil {
			return nil, err
		}

		resp, err := rt.callModel(ctx, messages, defs, track, stream)
		if err != nil {
			return nil, err
		}
		rounds++
		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		rt.saveCheckpoint(ctx, messages, rounds)

		if len(resp.ToolCalls) == 0 {
			return &TurnResult{
				Text:       resp.Text,
				Messages:   messages,
				Rounds:     rounds,
				TokensUsed: track.tokens,
			}, nil
		}

		var deferred []models.ToolCallRequest
		for _, call := range resp.ToolCalls {
			if err := track.checkClock(); err != nil {
				return nil, err
			}
			if err := track.recordIteration(); err != nil {
				return nil, err
			}

			stream.StartToolCall(call.ID, call.Name, call.Args)
			if rt.gateDisposition(call) == tools.DispositionApprove {
				deferred = append(deferred, models.ToolCallRequest{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Args:       call.Args,
				})
				stream.FinishToolCall(call.ID, events.ToolStatusDeferred, "approval required")
				continue
			}

			result := rt.runGatedCall(ctx, call)
			stream.FinishToolCall(call.ID, toolStatus(result), result.Content)
			messages = append(messages, toolMessage(call, result))
		}
		rt.saveCheckpoint(ctx, messages, rounds)

		if len(deferred) > 0 {
			return &TurnResult{
				Deferred:   deferred,
				Messages:   messages,
				Rounds:     rounds,
				TokensUsed: track.tokens,
			}, nil
		}
	}
}

// callModel performs one model round, forwarding deltas to the stream
// handle and charging reported usage against the tracker.
func (rt *Runtime) callModel(ctx context.Context, messages []models.Message, defs []llm.ToolDefinition, track *tracker, stream events.StreamHandle) (*modelResponse, error) {
	// Cancellable sub-context so the producer goroutine inside Generate is
	// cleaned up when collection stops early.
	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := rt.LLM.Generate(llmCtx, &llm.Request{
		Messages:  messages,
		Tools:     defs,
		Model:     rt.Model,
		MaxTokens: rt.MaxOutputTokens,
	})
	if err != nil {
		return nil, &RuntimeError{Class: "request_failed", Message: err.Error()}
	}
	resp, err := collectResponse(chunks, track, stream)
	if err != nil {
		return nil, err
	}
	// A cancelled stream closes cleanly but is truncated; surface the
	// cancellation instead of a phantom response.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// collectResponse drains one chunk stream into a complete response. The
// wall clock is re-checked on every chunk so a slow stream cannot outrun
// the turn budget.
func collectResponse(chunks <-chan llm.Chunk, track *tracker, stream events.StreamHandle) (*modelResponse, error) {
	resp := &modelResponse{}
	var textBuf strings.Builder
	thinking := false
	endThinking := func() {
		if thinking {
			stream.FinishThinking()
			thinking = false
		}
	}

	for chunk := range chunks {
		if err := track.checkClock(); err != nil {
			endThinking()
			return nil, err
		}
		switch c := chunk.(type) {
		case *llm.TextChunk:
			endThinking()
			textBuf.WriteString(c.Content)
			stream.Write(c.Content)
		case *llm.ThinkingChunk:
			if !thinking {
				thinking = true
				stream.StartThinking()
			}
			stream.UpdateThinking(c.Content)
		case *llm.ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:   c.CallID,
				Name: c.Name,
				Args: c.Arguments,
			})
		case *llm.UsageChunk:
			if err := track.recordUsage(c.InputTokens, c.OutputTokens); err != nil {
				endThinking()
				return nil, err
			}
		case *llm.ErrorChunk:
			endThinking()
			class := c.Code
			if class == "" {
				class = "provider_error"
			}
			return nil, &RuntimeError{Class: class, Message: c.Message}
		}
	}
	endThinking()
	resp.Text = textBuf.String()
	return resp, nil
}

// resolvePending executes or denies the calls left hanging by the deferring
// turn, per the verified approver verdicts. Approved executions count
// against the iteration cap like any other tool call.
func (rt *Runtime) resolvePending(ctx context.Context, messages []models.Message, resumed *models.DeferredToolResults, track *tracker, stream events.StreamHandle) ([]models.Message, error) {
	pending := pendingToolCalls(messages)
	if len(pending) == 0 {
		rt.logger.Warn("Continuation carried decisions but no calls are pending")
		return messages, nil
	}

	for _, call := range pending {
		decision, ok := resumed.Lookup(call.ID)
		if !ok {
			// Verification guarantees a verdict per envelope call; a miss
			// here means the checkpoint drifted from the envelope.
			result := tools.DenialResult(tools.DenialDenied, "no decision recorded for this tool call")
			stream.FinishToolCall(call.ID, events.ToolStatusBlocked, result.Content)
			messages = append(messages, toolMessage(call, result))
			continue
		}
		if !decision.Approved {
			msg := "denied by approver"
			if decision.DenialMessage != nil && *decision.DenialMessage != "" {
				msg = *decision.DenialMessage
			}
			result := tools.DenialResult(tools.DenialDenied, msg)
			stream.FinishToolCall(call.ID, events.ToolStatusBlocked, result.Content)
			messages = append(messages, toolMessage(call, result))
			continue
		}

		if err := track.recordIteration(); err != nil {
			return nil, err
		}
		stream.StartToolCall(call.ID, call.Name, call.Args)
		result := rt.executeCall(ctx, call)
		stream.FinishToolCall(call.ID, toolStatus(result), result.Content)
		messages = append(messages, toolMessage(call, result))
	}
	return messages, nil
}

// gateDisposition classifies one call without executing it.
func (rt *Runtime) gateDisposition(call models.ToolCall) tools.Disposition {
	tool, ok := rt.Tools.Get(call.Name)
	if !ok {
		// Unknown tools fall through to runGatedCall's in-band error.
		return tools.DispositionAllow
	}
	return tool.Gate(call.Args)
}

// runGatedCall applies the non-deferring dispositions: block denies,
// review requires the unlocked key, allow executes.
func (rt *Runtime) runGatedCall(ctx context.Context, call models.ToolCall) *tools.Result {
	tool, ok := rt.Tools.Get(call.Name)
	if !ok {
		return tools.ErrorResult("unknown tool: %s", call.Name)
	}
	switch tool.Gate(call.Args) {
	case tools.DispositionBlock:
		return tools.DenialResult(tools.DenialBlocked, "command is on the always-deny list")
	case tools.DispositionReview:
		if !rt.Keys.Unlocked() {
			return tools.DenialResult(tools.DenialApprovalRequired,
				"signing key is locked; review-tier commands need an unlocked key")
		}
	}
	return rt.executeCall(ctx, call)
}

// executeCall invokes the tool and folds infrastructure failures into an
// in-band error result so the model can react to them.
func (rt *Runtime) executeCall(ctx context.Context, call models.ToolCall) *tools.Result {
	tool, ok := rt.Tools.Get(call.Name)
	if !ok {
		return tools.ErrorResult("unknown tool: %s", call.Name)
	}
	result, err := tool.Call(ctx, call.Args)
	if err != nil {
		rt.logger.Error("Tool call failed", "tool", call.Name, "error", err)
		return tools.ErrorResult("tool %s failed: %v", call.Name, err)
	}
	return result
}

// saveCheckpoint persists the history under the work item bound to ctx.
// Failures are logged, not fatal: the turn's outcome does not depend on the
// checkpoint, only crash recovery does.
func (rt *Runtime) saveCheckpoint(ctx context.Context, messages []models.Message, rounds int) {
	workItemID, ok := checkpoint.WorkItemFromContext(ctx)
	if !ok {
		return
	}
	historyJSON, err := models.EncodeHistory(messages)
	if err != nil {
		rt.logger.Error("Failed to encode history for checkpoint", "error", err)
		return
	}
	if err := rt.Checkpoints.Save(ctx, workItemID, historyJSON, rounds); err != nil {
		rt.logger.Error("Failed to save checkpoint", "work_item_id", workItemID, "error", err)
	}
}

// toolDefinitions exposes the registry to the model client's schema.
func (rt *Runtime) toolDefinitions() []llm.ToolDefinition {
	regDefs := rt.Tools.Definitions()
	defs := make([]llm.ToolDefinition, 0, len(regDefs))
	for _, d := range regDefs {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return defs
}

// pendingToolCalls returns the calls of the last assistant message that
// have no tool-return message after it.
func pendingToolCalls(messages []models.Message) []models.ToolCall {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			last = i
			break
		}
	}
	if last == -1 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range messages[last+1:] {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var pending []models.ToolCall
	for _, call := range messages[last].ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}

func toolMessage(call models.ToolCall, result *tools.Result) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		Content:    result.Content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    result.IsError,
	}
}

func toolStatus(result *tools.Result) string {
	if result.IsError {
		return events.ToolStatusError
	}
	return events.ToolStatusOK
}
