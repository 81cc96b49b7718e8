package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts notices to one Slack channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier for channel. opts are passed to the
// Slack client.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackNotifier) Platform() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, n *Notice) error {
	att := slack.Attachment{
		Color: slackColor(n.Level),
		Title: n.Title,
		Text:  n.Text,
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: len(f.Value) < 40})
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Title, false),
		slack.MsgOptionAttachments(att),
	)
	if err != nil {
		s.logger.Error("slack send failed",
			zap.String("channel", s.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func (s *SlackNotifier) Close() error { return nil }

func slackColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelError:
		return "danger"
	default:
		return "warning"
	}
}
