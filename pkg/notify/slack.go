// Package notify delivers human-facing notifications for suspended runs.
// Wait blocks typically post the approval request here before registering
// their webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackConfig holds the parameters needed to construct a SlackService.
type SlackConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// ApprovalInput contains data for a run-suspended notification.
type ApprovalInput struct {
	RunID      string
	BrainTitle string
	StepTitle  string
	Slug       string
	Identifier string
}

// CompletedInput contains data for a terminal run notification.
type CompletedInput struct {
	RunID      string
	BrainTitle string
	Status     string // COMPLETE, ERROR, CANCELLED
	Error      string
}

// SlackService posts run notifications to a channel.
// Nil-safe: all methods are no-ops when the service is nil.
type SlackService struct {
	api          *goslack.Client
	channel      string
	dashboardURL string
	logger       *slog.Logger
}

// NewSlackService creates a notification service.
// Returns nil if Token or Channel is empty.
func NewSlackService(cfg SlackConfig) *SlackService {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackService{
		api:          goslack.New(cfg.Token),
		channel:      cfg.Channel,
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewSlackServiceWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackServiceWithAPIURL(cfg SlackConfig, apiURL string) *SlackService {
	s := NewSlackService(cfg)
	if s == nil {
		return nil
	}
	s.api = goslack.New(cfg.Token, goslack.OptionAPIURL(apiURL))
	return s
}

// NotifyAwaitingResponse announces a run suspended on a webhook.
// Fail-open: errors are logged, never returned.
func (s *SlackService) NotifyAwaitingResponse(ctx context.Context, input ApprovalInput) {
	if s == nil {
		return
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf(":hourglass_flowing_sand: *%s* is waiting on *%s* (`%s/%s`)",
					input.BrainTitle, input.StepTitle, input.Slug, input.Identifier),
				false, false),
			nil, nil),
		s.runContext(input.RunID),
	}
	s.post(ctx, input.RunID, blocks, 5*time.Second)
}

// NotifyRunCompleted announces a terminal run status.
// Fail-open: errors are logged, never returned.
func (s *SlackService) NotifyRunCompleted(ctx context.Context, input CompletedInput) {
	if s == nil {
		return
	}
	icon := ":white_check_mark:"
	detail := ""
	switch input.Status {
	case "ERROR":
		icon = ":x:"
		detail = "\n> " + input.Error
	case "CANCELLED":
		icon = ":no_entry_sign:"
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("%s *%s* finished with status *%s*%s", icon, input.BrainTitle, input.Status, detail),
				false, false),
			nil, nil),
		s.runContext(input.RunID),
	}
	s.post(ctx, input.RunID, blocks, 10*time.Second)
}

func (s *SlackService) runContext(runID string) goslack.Block {
	text := fmt.Sprintf("Run `%s`", runID)
	if s.dashboardURL != "" {
		text = fmt.Sprintf("<%s/runs/%s|Run %s>", s.dashboardURL, runID, runID)
	}
	return goslack.NewContextBlock("", goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false))
}

func (s *SlackService) post(ctx context.Context, runID string, blocks []goslack.Block, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		s.logger.Error("Failed to send Slack notification", "run_id", runID, "error", err)
	}
}
