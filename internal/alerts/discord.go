package alerts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo methods we use, enabling test
// mocks. Sends go over REST, so no gateway connection is needed.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord delivers events to a Discord channel as embeds.
type Discord struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	Token     string // bot token
	ChannelID string // channel to post to
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("alerts: discord token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alerts: discord channel ID is required")
	}

	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("alerts: discord session: %w", err)
		}
		sess = s
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

// Notify posts the event as an embed.
func (d *Discord) Notify(ctx context.Context, event Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       event.Title,
		Description: event.Body,
		Color:       hexColorToInt(severityColor(event.Severity)),
	}
	for _, f := range event.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: true,
		})
	}

	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("alerts: discord send: %w", err)
	}
	return nil
}

// hexColorToInt converts "#rrggbb" to the integer form Discord embeds use.
func hexColorToInt(hex string) int {
	hex = strings.TrimPrefix(hex, "#")
	n, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
