package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const statusCommandName = "status"

// applicationCommands returns the slash commands the bridge registers.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        statusCommandName,
			Description: "Show the conversation session status",
		},
	}
}

// statusEmbed builds the /status response from the current chat state.
func (b *Bridge) statusEmbed() *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Parley",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Session", Value: b.chat.StatusLabel(), Inline: true},
			{Name: "Messages", Value: fmt.Sprintf("%d", len(b.chat.Messages())), Inline: true},
		},
	}
	if err := b.chat.LastError(); err != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Last error",
			Value: err.Error(),
		})
	}
	return embed
}
