package bot

import (
	"fmt"
	"log"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/lumenlabs/faucetbot/internal/config"
	"github.com/lumenlabs/faucetbot/internal/faucet"
	"github.com/lumenlabs/faucetbot/internal/ledger"
)

// Maximum number of times to tell the same user about the rate limit before
// going quiet until their window rolls over.
const rateLimitReplyLimit = 5

type Bot struct {
	session *discordgo.Session
	faucet  *faucet.Faucet
	matcher *ledger.AddressMatcher
	cfg     *config.Config

	mu            sync.Mutex
	denialReplies map[string]int
}

func New(cfg *config.Config, f *faucet.Faucet, matcher *ledger.AddressMatcher) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	bot := &Bot{
		session:       session,
		faucet:        f,
		matcher:       matcher,
		cfg:           cfg,
		denialReplies: make(map[string]int),
	}

	// Register event handlers
	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onGuildCreate)
	session.AddHandler(bot.onMessageCreate)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return bot, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	log.Println("Discord bot is running")
	return nil
}

func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	log.Printf("%s is connected!", event.User.Username)

	// Register commands for all guilds
	for _, guild := range event.Guilds {
		if err := b.registerGuildCommands(guild.ID); err != nil {
			log.Printf("Failed to register commands for guild %s: %v", guild.ID, err)
		}
	}
}

func (b *Bot) onGuildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	log.Printf("Guild available/joined: %s (id=%s) — ensuring commands", event.Name, event.ID)
	if err := b.registerGuildCommands(event.ID); err != nil {
		log.Printf("Failed to register commands for guild %s: %v", event.ID, err)
	}
}

func (b *Bot) registerGuildCommands(guildID string) error {
	adminPerms := int64(discordgo.PermissionAdministrator)
	commands := []*discordgo.ApplicationCommand{
		{
			Name:                     "faucet-status",
			Description:              "Show queue depth and pause state",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             boolPtr(false),
		},
		{
			Name:                     "faucet-pause",
			Description:              "Pause faucet intake",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             boolPtr(false),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Why intake is being paused",
					Required:    false,
				},
			},
		},
		{
			Name:                     "faucet-resume",
			Description:              "Resume faucet intake after a fault has been cleared",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             boolPtr(false),
		},
	}

	// Delete existing commands and register new ones
	_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, guildID, commands)
	if err != nil {
		return err
	}

	log.Printf("Registered application commands for guild %s", guildID)
	return nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.handleApplicationCommand(s, i)
}

func boolPtr(b bool) *bool {
	return &b
}
