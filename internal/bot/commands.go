package bot

import (
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
)

func (b *Bot) handleApplicationCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()

	if !b.cfg.IsOperator(interactionUserID(i)) {
		respondEphemeral(s, i, "You are not allowed to operate the faucet.")
		return
	}

	switch data.Name {
	case "faucet-status":
		b.handleStatus(s, i)
	case "faucet-pause":
		b.handlePause(s, i, data)
	case "faucet-resume":
		b.handleResume(s, i)
	}
}

func (b *Bot) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	paused, reason := b.faucet.Paused()
	content := fmt.Sprintf("Queue depth: %d\nGrant: %s per request, %s per user per %s",
		b.faucet.QueueDepth(), formatAmount(b.cfg.GrantAmount), formatAmount(b.cfg.WindowCap), b.cfg.Window)
	if paused {
		content += fmt.Sprintf("\n**Intake is paused**: %s", reason)
	} else {
		content += "\nIntake is running."
	}
	respondEphemeral(s, i, content)
}

func (b *Bot) handlePause(s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	reason := "paused by operator"
	for _, opt := range data.Options {
		if opt.Name == "reason" {
			reason = opt.StringValue()
		}
	}
	b.faucet.Pause(reason)
	respondEphemeral(s, i, fmt.Sprintf("Intake paused: %s", reason))
}

func (b *Bot) handleResume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.faucet.Resume()
	respondEphemeral(s, i, "Intake resumed.")
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Printf("Failed to respond to interaction: %v", err)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
