package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts notices as embeds to one Discord channel. It only
// uses the REST API, so no gateway connection is opened.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a notifier for channelID with a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID, logger: logger}, nil
}

func (d *DiscordNotifier) Platform() string { return "discord" }

func (d *DiscordNotifier) Notify(ctx context.Context, n *Notice) error {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Text,
		Color:       discordColor(n.Level),
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: f.Name, Value: f.Value, Inline: len(f.Value) < 40,
		})
	}

	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed",
			zap.String("channel", d.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (d *DiscordNotifier) Close() error {
	return d.session.Close()
}

func discordColor(l Level) int {
	switch l {
	case LevelSuccess:
		return 0x2ecc71
	case LevelError:
		return 0xe74c3c
	default:
		return 0xf1c40f
	}
}
