package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/api"
	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/tools"
)

func TestFreeCommandRunsWithoutCeremony(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"pwd"}`),
		llm.TextTurn("you are in your workspace"),
	))

	out := app.SubmitAndWait(api.SubmitWorkRequest{AgentID: "alpha", Prompt: "pwd"})
	require.False(t, out.IsDeferred())
	assert.Equal(t, "you are in your workspace", out.Text)

	// The command ran inside alpha's workspace and its output reached the
	// model on the second round.
	reqs := app.LLM.Requests()
	require.Len(t, reqs, 2)
	toolMsg := lastToolMessage(reqs[1].Messages)
	require.NotNil(t, toolMsg)
	assert.False(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, filepath.Join("agents", "alpha", "workspace"))

	// Free-tier commands never touch the envelope store.
	assert.Empty(t, app.PendingApprovals())
}

func TestApproveTierCommandDefers(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"rm -f tmp/scratch.txt"}`),
	))
	rt := app.Runtime("alpha")
	_, err := rt.Keys.CreateInitialKey("hunter2")
	require.NoError(t, err)

	out := app.SubmitAndWait(api.SubmitWorkRequest{AgentID: "alpha", Prompt: "delete the scratch file"})
	deferred := app.DeferredOf(out)
	require.Len(t, deferred.Requests, 1)
	assert.Equal(t, tools.ExecToolName, deferred.Requests[0].ToolName)
	assert.Equal(t, "call-1", deferred.Requests[0].ToolCallID)
	assert.Len(t, deferred.PlanHashPrefix, 8)

	env, err := rt.Approvals.Get(context.Background(), deferred.Nonce)
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopePending, env.State)

	// The turn paused before executing anything: one model round, and the
	// envelope shows up for approvers.
	assert.Len(t, app.LLM.Requests(), 1)
	pending := app.PendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, "alpha", pending[0].AgentID)
	assert.Equal(t, deferred.Nonce, pending[0].Nonce)
}

func TestApprovalRoundTripThenReplay(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"rm -f tmp/scratch.txt"}`),
		llm.TextTurn("scratch file removed"),
	))
	rt := app.Runtime("alpha")
	_, err := rt.Keys.CreateInitialKey("hunter2")
	require.NoError(t, err)

	scratch := filepath.Join(rt.Paths.Tmp, "scratch.txt")
	require.NoError(t, os.WriteFile(scratch, []byte("bye"), 0o644))

	out := app.SubmitAndWait(api.SubmitWorkRequest{AgentID: "alpha", Prompt: "delete the scratch file"})
	deferred := app.DeferredOf(out)
	pending := app.PendingApprovals()
	require.Len(t, pending, 1)
	workItemID := pending[0].WorkItemID

	decisions := []models.Decision{{ToolCallID: "call-1", Approved: true}}
	resp := app.Decide(deferred.Nonce, "alpha", decisions)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var decided api.DecisionsResponse
	app.decodeBody(resp, &decided)
	assert.Equal(t, "queued", decided.Status)
	assert.NotEmpty(t, decided.ContinuationID)

	app.WaitProcessed(2)

	// Consumed envelope, executed command, cleared checkpoint.
	ctx := context.Background()
	env, err := rt.Approvals.Get(ctx, deferred.Nonce)
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeConsumed, env.State)
	assert.NoFileExists(t, scratch)
	cp, err := rt.Checkpoints.Load(ctx, workItemID)
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Empty(t, app.PendingApprovals())

	// Replaying the same signed decisions is refused and nothing re-executes.
	require.NoError(t, os.WriteFile(scratch, []byte("again"), 0o644))
	replay := app.Decide(deferred.Nonce, "alpha", decisions)
	require.Equal(t, http.StatusConflict, replay.StatusCode)
	assert.Equal(t, approval.CodeExpiredOrUnknown, app.errorCode(replay))
	assert.FileExists(t, scratch)
	assert.Len(t, app.LLM.Requests(), 2)
}

func TestDeniedDecisionSkipsExecution(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"rm -f tmp/scratch.txt"}`),
		llm.TextTurn("understood, leaving it alone"),
	))
	rt := app.Runtime("alpha")
	_, err := rt.Keys.CreateInitialKey("hunter2")
	require.NoError(t, err)

	scratch := filepath.Join(rt.Paths.Tmp, "scratch.txt")
	require.NoError(t, os.WriteFile(scratch, []byte("keep me"), 0o644))

	out := app.SubmitAndWait(api.SubmitWorkRequest{AgentID: "alpha", Prompt: "delete the scratch file"})
	deferred := app.DeferredOf(out)

	reason := "not during the release freeze"
	resp := app.Decide(deferred.Nonce, "alpha", []models.Decision{
		{ToolCallID: "call-1", Approved: false, DenialMessage: &reason},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	app.decodeBody(resp, &struct{}{})
	app.WaitProcessed(2)

	// The file survived and the model saw the denial message in-band.
	assert.FileExists(t, scratch)
	reqs := app.LLM.Requests()
	require.Len(t, reqs, 2)
	toolMsg := lastToolMessage(reqs[1].Messages)
	require.NotNil(t, toolMsg)
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, reason)
}

func TestCrossScopeReplayFailsClosed(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"rm -f tmp/scratch.txt"}`),
	))
	rt := app.Runtime("alpha")
	_, err := rt.Keys.CreateInitialKey("hunter2")
	require.NoError(t, err)

	scratch := filepath.Join(rt.Paths.Tmp, "scratch.txt")
	require.NoError(t, os.WriteFile(scratch, []byte("keep me"), 0o644))

	out := app.SubmitAndWait(api.SubmitWorkRequest{AgentID: "alpha", Prompt: "delete the scratch file"})
	deferred := app.DeferredOf(out)

	ctx := context.Background()
	decisions := []models.Decision{{ToolCallID: "call-1", Approved: true}}
	require.NoError(t, rt.Approvals.StoreSignedApproval(ctx, deferred.Nonce, decisions, rt.Keys))
	submission, err := json.Marshal(models.DecisionsSubmission{Nonce: deferred.Nonce, Decisions: decisions})
	require.NoError(t, err)

	// A continuation bound to a different work item presents a different
	// scope; the signature is genuine but verification must refuse it.
	hijacked := &models.WorkItem{
		ID:       uuid.NewString(),
		Type:     models.WorkItemChat,
		Priority: models.PriorityCritical,
		AgentID:  "alpha",
		Input: models.WorkItemInput{
			DeferredToolResultsJSON: string(submission),
			ApprovalContextID:       "some-other-work-item",
		},
	}
	_, err = app.Dispatcher.EnqueueAndWait(ctx, hijacked)
	require.Error(t, err)
	assert.Equal(t, approval.CodeScopeMismatch, approval.VerificationCode(err))

	// Fail-closed: the command never ran and the envelope stays answerable
	// in its own scope.
	assert.FileExists(t, scratch)
	env, err := rt.Approvals.Get(ctx, deferred.Nonce)
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopePending, env.State)
}

func TestCompactionUnderContextPressure(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Context.WindowTokens = 10000
	cfg.Context.WarningThreshold = 0.5
	cfg.Context.CompactionThreshold = 0.5
	cfg.Context.KeepRecent = 5

	app := NewTestApp(t, WithConfig(cfg), WithScript(llm.TextTurn("carrying on")))

	// 50 seeded messages of roughly 4000 characters each.
	long := strings.Repeat("the investigation continues apace ", 118)
	seeded := make([]models.Message, 50)
	for i := range seeded {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		seeded[i] = models.Message{Role: role, Content: long}
	}
	historyJSON, err := models.EncodeHistory(seeded)
	require.NoError(t, err)

	out := app.SubmitAndWait(api.SubmitWorkRequest{
		AgentID:            "alpha",
		Prompt:             "keep going",
		MessageHistoryJSON: historyJSON,
	})
	require.False(t, out.IsDeferred())

	// The 50 seeded messages plus the fresh prompt compact down to one
	// synthetic summary and the 5 most recent messages.
	reqs := app.LLM.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 6)
	summary := reqs[0].Messages[0]
	assert.Equal(t, models.OriginCompaction, summary.Origin)
	firstLine, _, _ := strings.Cut(summary.Content, "\n")
	assert.Equal(t, "[Compacted 46 earlier messages]", firstLine)
	assert.Equal(t, "keep going", reqs[0].Messages[5].Content)
}

func TestCrashRecoveryResumesFromCheckpoint(t *testing.T) {
	app := NewTestApp(t, WithScript(
		llm.ToolCallTurn("call-1", tools.ExecToolName, `{"command":"pwd"}`),
		llm.ErrorTurn("overloaded_error", "upstream connection reset"),
		llm.TextTurn("picking up where we left off"),
	))
	rt := app.Runtime("alpha")
	ctx := context.Background()

	item := func() *models.WorkItem {
		return &models.WorkItem{
			ID:       "W1",
			Type:     models.WorkItemChat,
			Priority: models.PriorityNormal,
			AgentID:  "alpha",
			Input:    models.WorkItemInput{Prompt: "where am I"},
		}
	}

	// First run: the tool round lands, then the provider dies mid-turn.
	_, err := app.Dispatcher.EnqueueAndWait(ctx, item())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded_error")

	// The checkpoint survived the failure and holds the finished tool round.
	cp, err := rt.Checkpoints.Load(ctx, "W1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	saved, err := models.DecodeHistory(cp.HistoryJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, roleCount(saved, models.RoleTool))

	// Re-enqueueing the same item resumes instead of replaying.
	out, err := app.Dispatcher.EnqueueAndWait(ctx, item())
	require.NoError(t, err)
	assert.Equal(t, "picking up where we left off", out.Text)

	reqs := app.LLM.Requests()
	require.Len(t, reqs, 3)
	resumed := reqs[2].Messages
	assert.Equal(t, 1, roleCount(resumed, models.RoleUser), "prompt must not be replayed")
	assert.Equal(t, 1, roleCount(resumed, models.RoleTool), "tool round must not repeat")

	// Completion clears the checkpoint.
	cp, err = rt.Checkpoints.Load(ctx, "W1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}
