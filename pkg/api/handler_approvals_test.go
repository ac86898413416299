package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/tools"
)

// deferredApp builds an app whose first turn pauses on an approval-tier tool
// call, with the keyring initialised and unlocked.
func deferredApp(t *testing.T) (*testApp, *tools.StubTool) {
	t.Helper()
	stub := &tools.StubTool{
		ToolName: "deploy",
		Verdict:  tools.DispositionApprove,
		Reply:    "release rolled out",
	}
	client := llm.NewScriptedClient(
		llm.ToolCallTurn("call-1", "deploy", `{"env":"prod"}`),
		llm.TextTurn("deploy finished"),
	)
	app := newTestApp(t, client, stub)

	rt := app.runtime("default")
	_, err := rt.Keys.CreateInitialKey("hunter2")
	require.NoError(t, err)
	return app, stub
}

// submitDeferred runs a work item to its deferred output and returns the
// parsed approval payload.
func submitDeferred(app *testApp, t *testing.T) models.DeferredToolRequests {
	t.Helper()
	rec := app.do(http.MethodPost, "/api/v1/work/wait", SubmitWorkRequest{Prompt: "ship it"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out models.WorkItemOutput
	decodeJSON(t, rec, &out)
	require.True(t, out.IsDeferred())

	var deferred models.DeferredToolRequests
	require.NoError(t, json.Unmarshal([]byte(out.DeferredToolRequestsJSON), &deferred))
	return deferred
}

func TestApprovalsEmptyList(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)

	rec := app.do(http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"approvals":[]}`, rec.Body.String())
}

func TestApprovalsRoundTrip(t *testing.T) {
	app, stub := deferredApp(t)

	deferred := submitDeferred(app, t)
	require.Len(t, deferred.Requests, 1)
	assert.Equal(t, "call-1", deferred.Requests[0].ToolCallID)
	assert.Equal(t, "deploy", deferred.Requests[0].ToolName)
	assert.Empty(t, stub.Calls())

	rec := app.do(http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ApprovalsResponse
	decodeJSON(t, rec, &listing)
	require.Len(t, listing.Approvals, 1)
	pending := listing.Approvals[0]
	assert.Equal(t, "default", pending.AgentID)
	assert.Equal(t, deferred.Nonce, pending.Nonce)
	assert.Equal(t, deferred.PlanHashPrefix, pending.PlanHashPrefix)
	assert.NotEmpty(t, pending.WorkItemID)
	assert.True(t, pending.ExpiresAt.After(pending.IssuedAt))

	decisions := DecisionsRequest{
		Decisions: []models.Decision{{ToolCallID: "call-1", Approved: true}},
	}
	rec = app.do(http.MethodPost, "/api/v1/approvals/"+pending.Nonce+"/decisions", decisions)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var decided DecisionsResponse
	decodeJSON(t, rec, &decided)
	assert.Equal(t, pending.Nonce, decided.Nonce)
	assert.NotEmpty(t, decided.ContinuationID)
	assert.Equal(t, "queued", decided.Status)

	// The continuation consumes the envelope and runs the approved call.
	app.waitProcessed(2)
	require.Len(t, stub.Calls(), 1)
	assert.JSONEq(t, `{"env":"prod"}`, string(stub.Calls()[0]))

	rec = app.do(http.MethodGet, "/api/v1/approvals", nil)
	var after ApprovalsResponse
	decodeJSON(t, rec, &after)
	assert.Empty(t, after.Approvals)

	// The nonce is spent; replaying the decisions is rejected.
	rec = app.do(http.MethodPost, "/api/v1/approvals/"+pending.Nonce+"/decisions", decisions)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, approval.CodeExpiredOrUnknown, errorCode(t, rec))
}

func TestApprovalsDenied(t *testing.T) {
	app, stub := deferredApp(t)

	deferred := submitDeferred(app, t)
	reason := "not during the freeze"
	decisions := DecisionsRequest{
		AgentID: "default",
		Decisions: []models.Decision{
			{ToolCallID: "call-1", Approved: false, DenialMessage: &reason},
		},
	}
	rec := app.do(http.MethodPost, "/api/v1/approvals/"+deferred.Nonce+"/decisions", decisions)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The turn finishes without ever executing the denied call.
	app.waitProcessed(2)
	assert.Empty(t, stub.Calls())

	rec = app.do(http.MethodGet, "/api/v1/approvals", nil)
	var after ApprovalsResponse
	decodeJSON(t, rec, &after)
	assert.Empty(t, after.Approvals)
}

func TestApprovalsLockedKey(t *testing.T) {
	app, stub := deferredApp(t)

	deferred := submitDeferred(app, t)
	app.runtime("default").Keys.Lock()

	decisions := DecisionsRequest{
		Decisions: []models.Decision{{ToolCallID: "call-1", Approved: true}},
	}
	rec := app.do(http.MethodPost, "/api/v1/approvals/"+deferred.Nonce+"/decisions", decisions)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeLockedKey, errorCode(t, rec))

	// A failed signing attempt leaves the envelope answerable.
	rec = app.do(http.MethodPost, "/api/v1/keys/unlock", PassphraseRequest{Passphrase: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(http.MethodPost, "/api/v1/approvals/"+deferred.Nonce+"/decisions", decisions)
	require.Equal(t, http.StatusAccepted, rec.Code)

	app.waitProcessed(2)
	require.Len(t, stub.Calls(), 1)
}

func TestApprovalsValidation(t *testing.T) {
	app := newTestApp(t, llm.NewScriptedClient(), nil)

	rec := app.do(http.MethodPost, "/api/v1/approvals/some-nonce/decisions", DecisionsRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, errorCode(t, rec))

	decisions := DecisionsRequest{
		Decisions: []models.Decision{{ToolCallID: "x", Approved: true}},
	}

	// No runtime holds the nonce.
	rec = app.do(http.MethodPost, "/api/v1/approvals/no-such-nonce/decisions", decisions)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rec))

	// Same with an explicit agent hint, which loads the runtime on demand.
	decisions.AgentID = "default"
	rec = app.do(http.MethodPost, "/api/v1/approvals/no-such-nonce/decisions", decisions)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rec))
}
