package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lumenlabs/faucetbot/internal/faucet"
)

// onMessageCreate scans every message for testnet addresses and admits a
// dispense request for each one, up to the per-message cap. Denials are
// answered immediately; granted/failed results arrive later through the
// outcome notifier.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot messages
	if m.Author.Bot {
		return
	}

	addresses, almosts := b.matcher.Extract(m.Content)
	if len(addresses) == 0 && len(almosts) == 0 {
		return
	}

	log.Printf("dispense request from %s (%s): %d address(es), %d near-miss(es)",
		m.Author.Username, m.Author.ID, len(addresses), len(almosts))

	honored := addresses
	var remaining []string
	if len(honored) > b.cfg.MaxAddresses {
		remaining = honored[b.cfg.MaxAddresses:]
		honored = honored[:b.cfg.MaxAddresses]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var lines []string
	for _, addr := range honored {
		// Show typing while the admission check and, later, the dispatch run.
		_ = s.ChannelTyping(m.ChannelID)

		_, err := b.faucet.RequestDispense(ctx, m.Author.ID, addr, m.ChannelID, m.ID)
		if err != nil {
			if line, ok := b.denialLine(m.Author.ID, addr, err); ok {
				lines = append(lines, line)
			}
			continue
		}
		b.clearDenialCount(m.Author.ID)
	}

	if len(almosts) > 0 {
		lines = append(lines, "The following _look like_ addresses, but are invalid (maybe a typo or old address version?):")
		for _, a := range almosts {
			lines = append(lines, fmt.Sprintf("`%s`", a))
		}
	}

	if len(remaining) > 0 {
		lines = append(lines, fmt.Sprintf("I'm only allowed to send tokens to %d address(es) at a time; try again later to get tokens for the following addresses:", b.cfg.MaxAddresses))
		for _, a := range remaining {
			lines = append(lines, fmt.Sprintf("`%s`", a))
		}
	}

	if len(lines) > 0 {
		b.reply(m.ChannelID, m.ID, strings.Join(lines, "\n"))
	}
}

// denialLine turns an admission error into a user-facing reply line. The
// second return is false when the denial should not be replied to at all
// (a rate-limited user who has already been told enough times).
func (b *Bot) denialLine(identity, addr string, err error) (string, bool) {
	var rl *faucet.RateLimitedError
	var se *faucet.StorageError
	switch {
	case errors.As(err, &rl):
		if !b.countDenialReply(identity) {
			return "", false
		}
		return fmt.Sprintf("`%s`: you've already received your allowance; try again %s.", addr, humanRetryAfter(rl.RetryAfter)), true
	case errors.Is(err, faucet.ErrQueueFull):
		return fmt.Sprintf("`%s`: the queue is full right now, please try again in a few minutes.", addr), true
	case errors.Is(err, faucet.ErrPaused):
		return fmt.Sprintf("`%s`: the faucet is paused for maintenance, please try again later.", addr), true
	case errors.Is(err, faucet.ErrInvalidAddress):
		return fmt.Sprintf("`%s`: that doesn't look like a valid address.", addr), true
	case errors.As(err, &se):
		return fmt.Sprintf("`%s`: temporary problem on my side, please try again shortly.", addr), true
	default:
		return fmt.Sprintf("`%s`: request denied: %v", addr, err), true
	}
}

// countDenialReply reports whether another rate-limit reply may be sent to
// this identity, and counts it. Keeps a noisy user from turning the bot into
// a spam source.
func (b *Bot) countDenialReply(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.denialReplies[identity] >= rateLimitReplyLimit {
		return false
	}
	b.denialReplies[identity]++
	return true
}

func (b *Bot) clearDenialCount(identity string) {
	b.mu.Lock()
	delete(b.denialReplies, identity)
	b.mu.Unlock()
}

func humanRetryAfter(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return "in a moment"
	}
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "in under a minute"
	}
	return fmt.Sprintf("in about %s", d)
}

// formatAmount renders base units for humans: whole lumen when it divides
// evenly, raw ulumen otherwise.
func formatAmount(amount uint64) string {
	const unitsPerLumen = 1_000_000
	if amount%unitsPerLumen == 0 {
		return fmt.Sprintf("%d lumen", amount/unitsPerLumen)
	}
	return fmt.Sprintf("%d ulumen", amount)
}
