package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordLimit is Discord's maximum message length.
const discordLimit = 2000

// DiscordNotifier posts to one Discord channel over the REST API. It never
// opens a gateway websocket.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordNotifier creates a notifier with a bot token.
func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: s, channelID: channelID}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, msg *Message) error {
	content := msg.Text()
	if len(content) > discordLimit {
		content = cut(content, discordLimit-3)
	}
	_, err := n.session.ChannelMessageSend(n.channelID, content, discordgo.WithContext(ctx))
	return err
}
