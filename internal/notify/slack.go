package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts notifications to one Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a Slack sink from a bot token (xoxb-...) and a
// channel ID.
func NewSlackSink(botToken, channel string, logger *zap.Logger) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSink) Platform() string { return "slack" }

func severityColor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "#d92b2b"
	case SeverityWarning:
		return "#e8a317"
	default:
		return "#2eb67d"
	}
}

// Send posts the notification as an attachment colored by severity.
func (s *SlackSink) Send(ctx context.Context, n *Notification) error {
	attachment := slack.Attachment{
		Color: severityColor(n.Severity),
		Title: n.Title,
		Text:  n.Body,
		Ts:    json.Number(fmt.Sprintf("%d", n.At.Unix())),
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	s.logger.Debug("slack notification sent",
		zap.String("channel", s.channel),
		zap.String("title", n.Title))
	return nil
}
