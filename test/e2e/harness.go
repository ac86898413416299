// Package e2e boots a complete autopoiesis instance against a scripted
// model client and exercises it over HTTP and WebSocket.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/api"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/queue"
)

// TestApp is a full autopoiesis instance: real dispatcher, runtimes, and
// HTTP/WebSocket server, with the model replaced by a script.
type TestApp struct {
	Config      *config.Config
	Home        string
	LLM         *llm.ScriptedClient
	Registry    *agent.Registry
	Dispatcher  *queue.Dispatcher
	Hub         *events.Hub
	Server      *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

type testAppConfig struct {
	cfg    *config.Config
	client *llm.ScriptedClient
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithScript seeds the model script, one entry per Generate call.
func WithScript(turns ...[]llm.Chunk) TestAppOption {
	return func(c *testAppConfig) { c.client = llm.NewScriptedClient(turns...) }
}

// WithLLMClient injects a pre-built scripted client.
func WithLLMClient(client *llm.ScriptedClient) TestAppOption {
	return func(c *testAppConfig) { c.client = client }
}

// NewTestApp boots a full instance under a temporary home directory.
// Shutdown is registered via t.Cleanup in reverse-creation order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.client == nil {
		tc.client = llm.NewScriptedClient()
	}

	home := t.TempDir()
	ctx := context.Background()

	// 1. Runtime registry: real stores under the temp home, scripted model.
	registry := agent.NewRegistry(func(ctx context.Context, agentID string) (*agent.Runtime, error) {
		return agent.NewRuntimeIn(ctx, home, agentID, tc.cfg, tc.client)
	})
	t.Cleanup(func() { _ = registry.Shutdown() })

	// 2. Event fan-out.
	hub := events.NewHub(2 * time.Second)
	publisher := events.NewPublisher(hub)

	// 3. Executor and dispatcher. Continuations stream on the deferring
	// turn's channel, same as production wiring.
	executor := agent.NewExecutor(registry, nil, func(item *models.WorkItem) events.StreamHandle {
		id := item.ID
		if item.Input.ApprovalContextID != "" {
			id = item.Input.ApprovalContextID
		}
		return events.NewPublisherHandle(publisher, id, item.AgentID)
	})
	dispatcher := queue.NewDispatcher(tc.cfg.Queue, executor)
	require.NoError(t, dispatcher.Start(ctx))
	t.Cleanup(dispatcher.Stop)

	// 4. HTTP server on a random port.
	server := api.NewServer(tc.cfg, dispatcher, registry, hub)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	addr := ln.Addr().String()
	return &TestApp{
		Config:      tc.cfg,
		Home:        home,
		LLM:         tc.client,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Hub:         hub,
		Server:      server,
		BaseURL:     fmt.Sprintf("http://%s", addr),
		WSURL:       fmt.Sprintf("ws://%s/ws", addr),
		t:           t,
	}
}

// defaultTestConfig returns built-in defaults with the model binding pointed
// at the mock provider and shutdown tightened for tests.
func defaultTestConfig() *config.Config {
	cfg := &config.Config{
		Server:        config.DefaultServerConfig(),
		Queue:         config.DefaultQueueConfig(),
		Guards:        config.DefaultGuardsConfig(),
		Approval:      config.DefaultApprovalConfig(),
		Context:       config.DefaultContextConfig(),
		Retention:     config.DefaultRetentionConfig(),
		LLM:           &config.LLMConfig{Provider: "mock", Model: "scripted", MaxOutputTokens: 1024},
		Slack:         config.DefaultSlackConfig(),
		Masking:       config.DefaultMaskingConfig(),
		Topics:        config.DefaultTopicsConfig(),
		AgentRegistry: config.NewAgentRegistry(nil),
	}
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Queue.EnqueueWaitTimeout = 30 * time.Second
	return cfg
}

// Runtime returns the runtime for agentID, building it on first use.
func (app *TestApp) Runtime(agentID string) *agent.Runtime {
	app.t.Helper()
	rt, err := app.Registry.GetOrCreate(context.Background(), agentID)
	require.NoError(app.t, err)
	return rt
}

// do performs one HTTP request against the running server.
func (app *TestApp) do(method, path string, body any) *http.Response {
	app.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(app.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, app.BaseURL+path, reader)
	require.NoError(app.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	return resp
}

// decodeBody decodes the response body into v and closes it.
func (app *TestApp) decodeBody(resp *http.Response, v any) {
	app.t.Helper()
	defer resp.Body.Close()
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(v))
}

// errorCode reads the stable error code from an error envelope.
func (app *TestApp) errorCode(resp *http.Response) string {
	app.t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	app.decodeBody(resp, &envelope)
	return envelope.Error.Code
}

// Submit enqueues a work item and returns the accepted response.
func (app *TestApp) Submit(req api.SubmitWorkRequest) api.SubmitWorkResponse {
	app.t.Helper()
	resp := app.do(http.MethodPost, "/api/v1/work", req)
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)
	var out api.SubmitWorkResponse
	app.decodeBody(resp, &out)
	return out
}

// SubmitAndWait submits a work item and blocks for its terminal output.
func (app *TestApp) SubmitAndWait(req api.SubmitWorkRequest) *models.WorkItemOutput {
	app.t.Helper()
	resp := app.do(http.MethodPost, "/api/v1/work/wait", req)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	var out models.WorkItemOutput
	app.decodeBody(resp, &out)
	return &out
}

// DeferredOf parses the deferred requests out of a paused turn's output.
func (app *TestApp) DeferredOf(out *models.WorkItemOutput) models.DeferredToolRequests {
	app.t.Helper()
	require.True(app.t, out.IsDeferred(), "expected a deferred output")
	var deferred models.DeferredToolRequests
	require.NoError(app.t, json.Unmarshal([]byte(out.DeferredToolRequestsJSON), &deferred))
	return deferred
}

// PendingApprovals lists pending envelopes across loaded runtimes.
func (app *TestApp) PendingApprovals() []api.PendingApproval {
	app.t.Helper()
	resp := app.do(http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(app.t, http.StatusOK, resp.StatusCode)
	var out api.ApprovalsResponse
	app.decodeBody(resp, &out)
	return out.Approvals
}

// Decide posts approval decisions for one envelope and returns the raw
// response for status assertions.
func (app *TestApp) Decide(nonce, agentID string, decisions []models.Decision) *http.Response {
	app.t.Helper()
	return app.do(http.MethodPost, "/api/v1/approvals/"+nonce+"/decisions",
		api.DecisionsRequest{AgentID: agentID, Decisions: decisions})
}

// Health fetches the health snapshot.
func (app *TestApp) Health() api.HealthResponse {
	app.t.Helper()
	resp := app.do(http.MethodGet, "/api/v1/health", nil)
	var out api.HealthResponse
	app.decodeBody(resp, &out)
	return out
}

// WaitProcessed polls until the dispatcher has processed at least n items.
func (app *TestApp) WaitProcessed(n int) {
	app.t.Helper()
	require.Eventually(app.t, func() bool {
		return app.Dispatcher.Health().Processed >= n
	}, 10*time.Second, 20*time.Millisecond, "dispatcher never processed %d items", n)
}

// roleCount counts messages with the given role.
func roleCount(messages []models.Message, role models.Role) int {
	n := 0
	for _, m := range messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

// lastToolMessage returns the most recent tool-return message, or nil.
func lastToolMessage(messages []models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleTool {
			return &messages[i]
		}
	}
	return nil
}
