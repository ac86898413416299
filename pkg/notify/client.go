// Package notify delivers optional Slack notices for pending approvals and
// finished work items. The service is nil-safe so callers never branch on
// whether notifications are configured.
package notify

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
)

// Client posts Block Kit messages to one channel.
type Client struct {
	api       *goslack.Client
	channelID string
}

// NewClient creates a Slack client for the given channel. Extra options are
// forwarded to slack-go; tests use goslack.OptionAPIURL to point the client
// at a mock server.
func NewClient(token, channelID string, opts ...goslack.Option) *Client {
	return &Client{
		api:       goslack.New(token, opts...),
		channelID: channelID,
	}
}

// PostMessage sends blocks to the configured channel, bounded by timeout.
func (c *Client) PostMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...)); err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
