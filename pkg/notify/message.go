package notify

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
	"cancelled": ":no_entry_sign:",
}

var statusLabel = map[string]string{
	"completed": "Work item complete",
	"failed":    "Work item failed",
	"cancelled": "Work item cancelled",
}

// BuildApprovalPendingMessage creates Block Kit blocks announcing a deferred
// turn waiting on signed approval.
func BuildApprovalPendingMessage(input ApprovalPendingInput) []goslack.Block {
	header := fmt.Sprintf(
		":lock: *Approval required*: work item `%s` (agent `%s`) is waiting on %d command(s).\nNonce: `%s`",
		input.WorkItemID, input.AgentID, len(input.Requests), input.Nonce,
	)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if len(input.Requests) > 0 {
		body := truncateForSlack("```" + strings.Join(input.Requests, "\n") + "```")
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false),
			nil, nil,
		))
	}
	return blocks
}

// BuildCompletionMessage creates Block Kit blocks for a terminal work item
// notification.
func BuildCompletionMessage(input CompletionInput) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Work item " + input.Status
	}

	header := fmt.Sprintf("%s *%s*: `%s` (agent `%s`)", emoji, label, input.WorkItemID, input.AgentID)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if input.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(input.Summary), false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
