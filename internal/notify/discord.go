package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSink posts notifications to one Discord channel.
type DiscordSink struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordSink creates a Discord sink from a bot token and a channel ID.
// The session is used purely for outbound REST calls, no gateway intents.
func NewDiscordSink(token, channel string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSink{
		session: session,
		channel: channel,
		logger:  logger,
	}, nil
}

func (d *DiscordSink) Platform() string { return "discord" }

func severityMarker(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	default:
		return "🟢"
	}
}

func (d *DiscordSink) Send(_ context.Context, n *Notification) error {
	content := fmt.Sprintf("%s **%s**\n%s", severityMarker(n.Severity), n.Title, n.Body)
	if _, err := d.session.ChannelMessageSend(d.channel, content); err != nil {
		return fmt.Errorf("discord send to %s: %w", d.channel, err)
	}
	d.logger.Debug("discord notification sent",
		zap.String("channel", d.channel),
		zap.String("title", n.Title))
	return nil
}
