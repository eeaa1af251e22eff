package bot

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lumenlabs/faucetbot/internal/faucet"
)

// RunNotifier delivers dispatch outcomes and operator alerts back to Discord
// until the context ends. It is the sole consumer of the faucet's outcome
// stream.
func (b *Bot) RunNotifier(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-b.faucet.Outcomes():
			b.notifyOutcome(o)
		case msg := <-b.faucet.Alerts():
			b.notifyOperators(msg)
		}
	}
}

func (b *Bot) notifyOutcome(o faucet.Outcome) {
	if o.Request.ChannelID == "" {
		log.Printf("notifier: no reply channel for %s (status=%s)", o.Request.Ref, o.Status)
		return
	}

	var content string
	switch o.Status {
	case faucet.StatusGranted:
		content = fmt.Sprintf("Successfully sent %s to `%s`\ntransaction: `%s`",
			formatAmount(o.Request.Amount), o.Request.Destination, o.TxRef)
	case faucet.StatusUnresolved:
		content = fmt.Sprintf("Your request for `%s` was broadcast but I never saw it confirm (transaction `%s`). %s: you may want to investigate this :)",
			o.Request.Destination, o.TxRef, b.operatorMentions())
	default:
		content = fmt.Sprintf("Failed to send tokens to `%s` (error: %s)\n%s: you may want to investigate this error :)",
			o.Request.Destination, o.Detail, b.operatorMentions())
	}

	b.reply(o.Request.ChannelID, o.Request.MessageID, content)
}

// notifyOperators posts a fault notice mentioning the configured operators in
// the alert channel, falling back to the log when none is configured.
func (b *Bot) notifyOperators(msg string) {
	if b.cfg.AlertChannelID == "" {
		log.Printf("notifier: operator alert (no alert channel configured): %s", msg)
		return
	}
	b.send(b.cfg.AlertChannelID, fmt.Sprintf("%s %s", b.operatorMentions(), msg))
}

func (b *Bot) operatorMentions() string {
	if len(b.cfg.OperatorIDs) == 0 {
		return "Admin(s)"
	}
	mentions := make([]string, 0, len(b.cfg.OperatorIDs))
	for _, id := range b.cfg.OperatorIDs {
		mentions = append(mentions, "<@"+id+">")
	}
	return strings.Join(mentions, " ")
}

func (b *Bot) reply(channelID, messageID, content string) {
	err := b.sendWithRetry(func(opts ...discordgo.RequestOption) error {
		_, err := b.session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
			ChannelID: channelID,
			MessageID: messageID,
		}, opts...)
		return err
	})
	if err != nil {
		log.Printf("notifier: failed to reply in channel %s: %v", channelID, err)
	}
}

func (b *Bot) send(channelID, content string) {
	err := b.sendWithRetry(func(opts ...discordgo.RequestOption) error {
		_, err := b.session.ChannelMessageSend(channelID, content, opts...)
		return err
	})
	if err != nil {
		log.Printf("notifier: failed to send to channel %s: %v", channelID, err)
	}
}

// sendWithRetry sends with a bounded timeout and one retry on temporary
// network errors so a Discord hiccup doesn't eat an outcome reply.
func (b *Bot) sendWithRetry(send func(opts ...discordgo.RequestOption) error) error {
	const attemptTimeout = 12 * time.Second
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		err := send(discordgo.WithContext(sendCtx))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTemporaryOrTimeout(err) {
			return err
		}
		time.Sleep(time.Duration(300+rand.Intn(500)) * time.Millisecond)
	}
	return lastErr
}

func isTemporaryOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout() || ne.Temporary()
	}
	return false
}
