package notify

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
)

// ApprovalPendingInput contains data for a pending-approval notification.
type ApprovalPendingInput struct {
	WorkItemID string
	AgentID    string
	Nonce      string

	// Requests are pre-rendered one-line descriptions of the deferred calls.
	Requests []string
}

// CompletionInput contains data for a terminal work item notification.
type CompletionInput struct {
	WorkItemID string
	AgentID    string
	Status     string // completed, failed, cancelled
	Summary    string // result text or error message
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a notification service from configuration. Returns nil
// when notifications are disabled or the token is absent, so a missing token
// silently turns the feature off.
func NewService(cfg config.SlackConfig) *Service {
	if !cfg.Enabled || cfg.Channel == "" {
		return nil
	}
	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "SLACK_BOT_TOKEN"
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil
	}
	return &Service{
		client: NewClient(token, cfg.Channel),
		logger: slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify"),
	}
}

// NotifyApprovalPending announces a deferred turn waiting on approval.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyApprovalPending(ctx context.Context, input ApprovalPendingInput) {
	if s == nil {
		return
	}
	blocks := BuildApprovalPendingMessage(input)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send approval notification",
			"work_item_id", input.WorkItemID,
			"error", err)
	}
}

// NotifyCompletion announces a finished work item.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyCompletion(ctx context.Context, input CompletionInput) {
	if s == nil {
		return
	}
	blocks := BuildCompletionMessage(input)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send completion notification",
			"work_item_id", input.WorkItemID,
			"status", input.Status,
			"error", err)
	}
}
