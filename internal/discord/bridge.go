// Package discord exposes a Parley conversation in a Discord text channel.
// Messages posted to the bridged channel become user turns, and finalized
// agent replies are posted back to the channel. A /status slash command
// reports session health.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/parley-chat/parley/internal/chatlog"
)

// maxMessageLen is Discord's hard limit on message content.
const maxMessageLen = 2000

// Config holds the Discord bridge configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// GuildID is the guild the /status command is registered in.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the text channel bridged to the conversation.
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the bridge is configured.
func (c Config) Enabled() bool {
	return c.Token != "" && c.ChannelID != ""
}

// Chat is the conversational surface the bridge drives. *widget.Widget
// satisfies it.
type Chat interface {
	SendText(text string) error
	StatusLabel() string
	LastError() error
	Messages() []chatlog.Message
}

// Messenger is the slice of the Discord session used to post into the
// bridged channel.
type Messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Responder answers slash command interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Bridge owns the Discord gateway connection and relays between the
// bridged channel and the chat.
type Bridge struct {
	session   *discordgo.Session
	msgr      Messenger
	resp      Responder
	chat      Chat
	guildID   string
	channelID string
	selfID    string
	log       *slog.Logger

	mu        sync.Mutex
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bridge and opens the Discord gateway.
func New(cfg Config, chat Chat, log *slog.Logger) (*Bridge, error) {
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	b := &Bridge{
		session:   session,
		msgr:      session,
		resp:      session,
		chat:      chat,
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		log:       log,
	}
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.handleMessage(m)
	})
	session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(i)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	b.selfID = session.State.User.ID

	return b, nil
}

// Run registers the slash commands and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	appID := b.session.State.User.ID
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, applicationCommands())
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	b.log.Info("discord commands registered", "count", len(registered))

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters the slash commands and disconnects from Discord.
func (b *Bridge) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		commands := b.commands
		b.mu.Unlock()

		appID := b.session.State.User.ID
		for _, cmd := range commands {
			if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
				b.log.Warn("discord: delete command", "name", cmd.Name, "err", err)
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
	})
	return closeErr
}

// HandleReply posts a finalized agent reply into the bridged channel.
// Wire it as the host's message observer; user turns and other channels'
// traffic are ignored.
func (b *Bridge) HandleReply(msg chatlog.Message) {
	if msg.From != chatlog.FromAssistant {
		return
	}
	for _, chunk := range splitContent(msg.Text, maxMessageLen) {
		if _, err := b.msgr.ChannelMessageSend(b.channelID, chunk); err != nil {
			b.log.Warn("discord: post reply", "err", err)
			return
		}
	}
}

// handleMessage relays a channel message into the conversation. Messages
// from bots, other channels, or the bridge itself are dropped.
func (b *Bridge) handleMessage(m *discordgo.MessageCreate) {
	if m.ChannelID != b.channelID || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == b.selfID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	// Show the typing indicator while the agent works on a reply.
	_ = b.msgr.ChannelTyping(b.channelID)

	if err := b.chat.SendText(text); err != nil {
		b.log.Warn("discord: relay message", "err", err)
	}
}

// handleInteraction answers the /status slash command.
func (b *Bridge) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.ApplicationCommandData().Name != statusCommandName {
		return
	}
	b.respondEmbed(i, b.statusEmbed())
}

// respondEmbed sends an ephemeral embed response to an interaction.
func (b *Bridge) respondEmbed(i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := b.resp.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.log.Warn("discord: respond to interaction", "err", err)
	}
}

// splitContent breaks content into Discord-sized chunks, preferring to
// break at the last newline or space inside the window.
func splitContent(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
