package history

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

func proseMessages(n, chars int) []models.Message {
	messages := make([]models.Message, n)
	for i := range messages {
		messages[i] = models.Message{Role: models.RoleUser, Content: strings.Repeat("a", chars)}
	}
	return messages
}

func TestCompactReplacesAllButRecent(t *testing.T) {
	ctx := context.Background()
	c := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        10000,
		WarningThreshold:    0.5,
		CompactionThreshold: 0.5,
		KeepRecent:          5,
	})

	out, err := c.Process(ctx, proseMessages(50, 4000))
	require.NoError(t, err)
	require.Len(t, out, 6)

	assert.Equal(t, models.OriginCompaction, out[0].Origin)
	assert.Equal(t, models.RoleUser, out[0].Role)
	firstLine := strings.SplitN(out[0].Content, "\n", 2)[0]
	assert.Equal(t, "[Compacted 45 earlier messages]", firstLine)

	// One excerpt line per compacted message.
	assert.Equal(t, 46, len(strings.Split(out[0].Content, "\n")))
	assert.Empty(t, out[1].Origin)
}

func TestCompactThresholdIsStrict(t *testing.T) {
	ctx := context.Background()

	// 10 prose messages of 400 chars: usage = 10*(3+1+100) = 1040 tokens.
	messages := proseMessages(10, 400)

	atThreshold := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        2080, // ratio exactly 0.5
		WarningThreshold:    0.9,
		CompactionThreshold: 0.5,
		KeepRecent:          3,
	})
	out, err := atThreshold.Process(ctx, messages)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	overThreshold := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        2079, // ratio just above 0.5
		WarningThreshold:    0.9,
		CompactionThreshold: 0.5,
		KeepRecent:          3,
	})
	out, err = overThreshold.Process(ctx, messages)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestCompactRequiresMoreThanKeepRecent(t *testing.T) {
	ctx := context.Background()
	c := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        10,
		WarningThreshold:    0.8,
		CompactionThreshold: 0.9,
		KeepRecent:          5,
	})

	out, err := c.Process(ctx, proseMessages(5, 400))
	require.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestCompactNoPressurePassesThrough(t *testing.T) {
	ctx := context.Background()
	c := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        1000000,
		WarningThreshold:    0.8,
		CompactionThreshold: 0.9,
		KeepRecent:          5,
	})

	messages := proseMessages(10, 400)
	out, err := c.Process(ctx, messages)
	require.NoError(t, err)
	assert.Equal(t, messages, out)
	assert.False(t, c.warned)
}

func TestCompactWarnsOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCompactor(&Estimator{}, CompactorOptions{
		WindowTokens:        1200, // usage 1040 => ratio ~0.87: warn, no compaction
		WarningThreshold:    0.8,
		CompactionThreshold: 0.9,
		KeepRecent:          3,
	})

	messages := proseMessages(10, 400)
	_, err := c.Process(ctx, messages)
	require.NoError(t, err)
	assert.True(t, c.warned)

	// A second pass keeps the flag; the warning is not re-armed.
	_, err = c.Process(ctx, messages)
	require.NoError(t, err)
	assert.True(t, c.warned)
}

func TestCompactExcerptNamesToolCalls(t *testing.T) {
	msg := models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "1", Name: "exec"},
			{ID: "2", Name: "read_file"},
		},
	}
	assert.Equal(t, "(tool calls: exec, read_file)", excerpt(msg))
}

func TestCompactExcerptIsSingleLineAndBounded(t *testing.T) {
	msg := models.Message{
		Role:    models.RoleUser,
		Content: strings.Repeat("line one\nline two ", 20),
	}
	got := excerpt(msg)
	assert.NotContains(t, got, "\n")
	assert.LessOrEqual(t, len([]rune(got)), summaryPrefixChars+3)
}
