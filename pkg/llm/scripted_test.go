package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

func TestScriptedClientPlaysTurnsInOrder(t *testing.T) {
	client := NewScriptedClient(
		ToolCallTurn("call-1", "exec", `{"command":"pwd"}`),
		TextTurn("all done"),
	)

	ch, err := client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "run pwd"}},
	})
	require.NoError(t, err)
	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 3)
	call, ok := chunks[0].(*ToolCallChunk)
	require.True(t, ok)
	assert.Equal(t, "exec", call.Name)
	stop, ok := chunks[2].(*StopChunk)
	require.True(t, ok)
	assert.Equal(t, "tool_use", stop.StopReason)

	ch, err = client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "and now?"}},
	})
	require.NoError(t, err)
	chunks = collectChunks(t, ch)
	require.Len(t, chunks, 3)
	text, ok := chunks[0].(*TextChunk)
	require.True(t, ok)
	assert.Equal(t, "all done", text.Content)
}

func TestScriptedClientExhaustedScriptErrors(t *testing.T) {
	client := NewScriptedClient(TextTurn("only turn"))

	_, err := client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "one"}},
	})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "two"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no turn 2")
}

func TestScriptedClientRecordsRequests(t *testing.T) {
	client := NewScriptedClient(TextTurn("ok"))

	_, err := client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "remember me"}},
	})
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "remember me", reqs[0].Messages[0].Content)
}

func TestScriptedClientAppendExtendsScript(t *testing.T) {
	client := NewScriptedClient(TextTurn("first"))
	client.Append(ErrorTurn("RateLimitError", "slow down"))

	_, err := client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "a"}},
	})
	require.NoError(t, err)

	ch, err := client.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "b"}},
	})
	require.NoError(t, err)
	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	errChunk, ok := chunks[0].(*ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, "RateLimitError", errChunk.Code)
	assert.Equal(t, "slow down", errChunk.Message)
}
