package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/checkpoint"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/tools"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:        config.DefaultServerConfig(),
		Queue:         config.DefaultQueueConfig(),
		Guards:        config.DefaultGuardsConfig(),
		Approval:      config.DefaultApprovalConfig(),
		Context:       config.DefaultContextConfig(),
		Retention:     config.DefaultRetentionConfig(),
		LLM:           config.DefaultLLMConfig(),
		Slack:         config.DefaultSlackConfig(),
		Masking:       config.DefaultMaskingConfig(),
		Topics:        config.DefaultTopicsConfig(),
		AgentRegistry: config.NewAgentRegistry(nil),
	}
}

// newScriptedRuntime builds a runtime in a temp home backed by a scripted
// model client, with a stub tool registered alongside the built-ins.
func newScriptedRuntime(t *testing.T, cfg *config.Config, client llm.Client, stub *tools.StubTool) *Runtime {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	rt, err := NewRuntimeIn(context.Background(), t.TempDir(), "default", cfg, client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	if stub != nil {
		require.NoError(t, rt.Tools.Register(stub))
	}
	return rt
}

func userMessages(prompt string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: prompt}}
}

func TestTurnPlainText(t *testing.T) {
	client := llm.NewScriptedClient(llm.TextTurn("hello there"))
	rt := newScriptedRuntime(t, nil, client, nil)

	result, err := rt.Turn(context.Background(), userMessages("hi"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Text)
	assert.Empty(t, result.Deferred)
	assert.Equal(t, 1, result.Rounds)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, models.RoleAssistant, result.Messages[1].Role)
}

func TestTurnToolRoundTrip(t *testing.T) {
	stub := tools.NewStubTool("probe", "42 degrees")
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "probe", `{"target":"core"}`),
		llm.TextTurn("the core is at 42 degrees"),
	)
	rt := newScriptedRuntime(t, nil, client, stub)

	result, err := rt.Turn(context.Background(), userMessages("check the core"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	assert.Equal(t, "the core is at 42 degrees", result.Text)
	assert.Equal(t, 2, result.Rounds)

	calls := stub.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"target":"core"}`, string(calls[0]))

	// user, assistant+call, tool return, assistant answer
	require.Len(t, result.Messages, 4)
	toolMsg := result.Messages[2]
	assert.Equal(t, models.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Equal(t, "probe", toolMsg.ToolName)
	assert.Equal(t, "42 degrees", toolMsg.Content)
	assert.False(t, toolMsg.IsError)

	// The second model call must see the tool return.
	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestTurnBlockedToolNeverExecutes(t *testing.T) {
	stub := tools.NewStubTool("probe", "should not run")
	stub.Verdict = tools.DispositionBlock
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "probe", `{}`),
		llm.TextTurn("understood, skipping that"),
	)
	rt := newScriptedRuntime(t, nil, client, stub)

	result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	assert.Empty(t, stub.Calls())
	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, tools.DenialBlocked)
	assert.Equal(t, "understood, skipping that", result.Text)
}

func TestTurnReviewTierNeedsUnlockedKey(t *testing.T) {
	t.Run("locked key denies", func(t *testing.T) {
		stub := tools.NewStubTool("probe", "ran")
		stub.Verdict = tools.DispositionReview
		client := llm.NewScriptedClient(
			llm.ToolCallTurn("call-1", "probe", `{}`),
			llm.TextTurn("cannot do that right now"),
		)
		rt := newScriptedRuntime(t, nil, client, stub)

		result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
		require.NoError(t, err)

		assert.Empty(t, stub.Calls())
		assert.Contains(t, result.Messages[2].Content, tools.DenialApprovalRequired)
	})

	t.Run("unlocked key executes", func(t *testing.T) {
		stub := tools.NewStubTool("probe", "ran")
		stub.Verdict = tools.DispositionReview
		client := llm.NewScriptedClient(
			llm.ToolCallTurn("call-1", "probe", `{}`),
			llm.TextTurn("done"),
		)
		rt := newScriptedRuntime(t, nil, client, stub)
		_, err := rt.Keys.CreateInitialKey("passphrase")
		require.NoError(t, err)
		require.True(t, rt.Keys.Unlocked())

		result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
		require.NoError(t, err)

		assert.Len(t, stub.Calls(), 1)
		assert.Equal(t, "ran", result.Messages[2].Content)
	})
}

func TestTurnApproveTierDefers(t *testing.T) {
	stub := tools.NewStubTool("probe", "should wait")
	stub.Verdict = tools.DispositionApprove
	client := llm.NewScriptedClient(llm.ToolCallTurn("call-1", "probe", `{"rm":"-rf"}`))
	rt := newScriptedRuntime(t, nil, client, stub)

	result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	assert.Empty(t, result.Text)
	require.Len(t, result.Deferred, 1)
	assert.Equal(t, "call-1", result.Deferred[0].ToolCallID)
	assert.Equal(t, "probe", result.Deferred[0].ToolName)
	assert.Empty(t, stub.Calls())

	// The call stays pending in the history for the continuation to resolve.
	pending := pendingToolCalls(result.Messages)
	require.Len(t, pending, 1)
	assert.Equal(t, "call-1", pending[0].ID)
}

func TestTurnMixedDispositions(t *testing.T) {
	free := tools.NewStubTool("free_probe", "free ok")
	gated := tools.NewStubTool("gated_probe", "gated ok")
	gated.Verdict = tools.DispositionApprove

	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "free_probe", Arguments: json.RawMessage(`{}`)},
		&llm.ToolCallChunk{CallID: "call-2", Name: "gated_probe", Arguments: json.RawMessage(`{}`)},
		&llm.UsageChunk{InputTokens: 100, OutputTokens: 20},
		&llm.StopChunk{StopReason: "tool_use"},
	})
	rt := newScriptedRuntime(t, nil, client, free)
	require.NoError(t, rt.Tools.Register(gated))

	result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	// The free call executed, the gated one deferred.
	assert.Len(t, free.Calls(), 1)
	assert.Empty(t, gated.Calls())
	require.Len(t, result.Deferred, 1)
	assert.Equal(t, "call-2", result.Deferred[0].ToolCallID)

	pending := pendingToolCalls(result.Messages)
	require.Len(t, pending, 1)
	assert.Equal(t, "call-2", pending[0].ID)
}

func TestTurnResumesApprovedPending(t *testing.T) {
	stub := tools.NewStubTool("probe", "executed after approval")
	client := llm.NewScriptedClient(llm.TextTurn("all done"))
	rt := newScriptedRuntime(t, nil, client, stub)

	history := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "probe", Args: json.RawMessage(`{"x":1}`)},
		}},
	}
	resumed := models.NewDeferredToolResults([]models.Decision{
		{ToolCallID: "call-1", Approved: true},
	})

	result, err := rt.Turn(context.Background(), history, resumed, 3, events.NullHandle{})
	require.NoError(t, err)

	require.Len(t, stub.Calls(), 1)
	assert.JSONEq(t, `{"x":1}`, string(stub.Calls()[0]))
	assert.Equal(t, "all done", result.Text)
	assert.Equal(t, 4, result.Rounds) // three prior rounds plus this one
	assert.Equal(t, "executed after approval", result.Messages[2].Content)
}

func TestTurnResumesDeniedPending(t *testing.T) {
	stub := tools.NewStubTool("probe", "must not run")
	client := llm.NewScriptedClient(llm.TextTurn("acknowledged"))
	rt := newScriptedRuntime(t, nil, client, stub)

	history := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "probe", Args: json.RawMessage(`{}`)},
		}},
	}
	reason := "too risky for production"
	resumed := models.NewDeferredToolResults([]models.Decision{
		{ToolCallID: "call-1", Approved: false, DenialMessage: &reason},
	})

	result, err := rt.Turn(context.Background(), history, resumed, 1, events.NullHandle{})
	require.NoError(t, err)

	assert.Empty(t, stub.Calls())
	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, tools.DenialDenied)
	assert.Contains(t, toolMsg.Content, reason)
	assert.Equal(t, "acknowledged", result.Text)
}

func TestTurnIterationGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Guards.ToolLoopMaxIterations = 1

	stub := tools.NewStubTool("probe", "ok")
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "probe", `{}`),
		llm.ToolCallTurn("call-2", "probe", `{}`),
	)
	rt := newScriptedRuntime(t, cfg, client, stub)

	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.Error(t, err)
	assert.Equal(t, LimitToolLoop, LimitCode(err))
	assert.Len(t, stub.Calls(), 1) // the first call ran, the second breached
}

func TestTurnTokenGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Guards.WorkItemTokenBudget = 200

	stub := tools.NewStubTool("probe", "ok")
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "probe", `{}`), // 180 tokens, within budget
		llm.TextTurn("this round breaches"),       // +160 tokens
	)
	rt := newScriptedRuntime(t, cfg, client, stub)

	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.Error(t, err)
	assert.Equal(t, LimitTokenBudget, LimitCode(err))
}

func TestTurnClockGuard(t *testing.T) {
	client := llm.NewScriptedClient(llm.TextTurn("never reached"))
	rt := newScriptedRuntime(t, nil, client, nil)
	rt.Guards.Timeout = time.Nanosecond

	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.Error(t, err)
	assert.Equal(t, LimitTimeout, LimitCode(err))
	assert.Empty(t, client.Requests()) // breached before the first model call
}

func TestTurnProviderError(t *testing.T) {
	client := llm.NewScriptedClient(llm.ErrorTurn("overloaded_error", "upstream is overloaded"))
	rt := newScriptedRuntime(t, nil, client, nil)

	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.Error(t, err)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "overloaded_error", rerr.Class)
	assert.Equal(t, "overloaded_error: upstream is overloaded", rerr.Error())
	assert.Empty(t, LimitCode(err))
}

func TestTurnUnknownToolReportsInBand(t *testing.T) {
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "does_not_exist", `{}`),
		llm.TextTurn("let me try something else"),
	)
	rt := newScriptedRuntime(t, nil, client, nil)

	result, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, "unknown tool")
	assert.Equal(t, "let me try something else", result.Text)
}

func TestTurnSavesCheckpointPerRound(t *testing.T) {
	stub := tools.NewStubTool("probe", "ok")
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "probe", `{}`),
		llm.TextTurn("finished"),
	)
	rt := newScriptedRuntime(t, nil, client, stub)

	ctx := checkpoint.WithWorkItem(context.Background(), "wi-7")
	result, err := rt.Turn(ctx, userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rounds)

	cp, err := rt.Checkpoints.Load(ctx, "wi-7")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.RoundCount)

	saved, err := models.DecodeHistory(cp.HistoryJSON)
	require.NoError(t, err)
	assert.Equal(t, result.Messages, saved)
}

func TestTurnWithoutBindingSkipsCheckpoint(t *testing.T) {
	client := llm.NewScriptedClient(llm.TextTurn("done"))
	rt := newScriptedRuntime(t, nil, client, nil)

	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, events.NullHandle{})
	require.NoError(t, err)

	cp, err := rt.Checkpoints.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestTurnStreamsInOrder(t *testing.T) {
	stub := tools.NewStubTool("probe", "probed")
	client := llm.NewScriptedClient(
		[]llm.Chunk{
			&llm.ThinkingChunk{Content: "let me check"},
			&llm.TextChunk{Content: "checking now"},
			&llm.ToolCallChunk{CallID: "call-1", Name: "probe", Arguments: json.RawMessage(`{}`)},
			&llm.UsageChunk{InputTokens: 10, OutputTokens: 5},
			&llm.StopChunk{StopReason: "tool_use"},
		},
		llm.TextTurn("all good"),
	)
	rt := newScriptedRuntime(t, nil, client, stub)

	handle := &recordingHandle{}
	_, err := rt.Turn(context.Background(), userMessages("go"), nil, 0, handle)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"thinking_start",
		"thinking:let me check",
		"thinking_done",
		"text:checking now",
		"tool_start:call-1:probe",
		"tool_finish:call-1:ok",
		"text:all good",
	}, handle.log)
	assert.False(t, handle.closed) // the caller owns Close, not the turn
}

func TestPendingToolCalls(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "done"},
	}

	pending := pendingToolCalls(msgs)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	assert.Nil(t, pendingToolCalls(userMessages("nothing pending")))
}

// recordingHandle captures the stream event sequence for assertions.
type recordingHandle struct {
	log    []string
	closed bool
}

func (h *recordingHandle) Write(chunk string) { h.log = append(h.log, "text:"+chunk) }
func (h *recordingHandle) StartToolCall(id, name string, _ json.RawMessage) {
	h.log = append(h.log, fmt.Sprintf("tool_start:%s:%s", id, name))
}
func (h *recordingHandle) FinishToolCall(id, status, _ string) {
	h.log = append(h.log, fmt.Sprintf("tool_finish:%s:%s", id, status))
}
func (h *recordingHandle) StartThinking() { h.log = append(h.log, "thinking_start") }
func (h *recordingHandle) UpdateThinking(chunk string) {
	h.log = append(h.log, "thinking:"+chunk)
}
func (h *recordingHandle) FinishThinking() { h.log = append(h.log, "thinking_done") }
func (h *recordingHandle) Close()          { h.closed = true }

var _ events.StreamHandle = (*recordingHandle)(nil)
