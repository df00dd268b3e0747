// Package alerting sends operator notifications for liquidations and insurance deficits over
// the Telegram Bot API. It consumes a core observer channel, so a slow or unreachable Telegram
// never delays settlement.
package alerting

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender delivers one chat message. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier turns liquidation events into Telegram messages.
type Notifier struct {
	bot            Sender
	chatID         int64
	inputChan      <-chan core.CoreOutput
	maxRetries     int
	retryDelayBase time.Duration
	logger         zerolog.Logger
}

// NewTelegramNotifier connects to the Bot API with botToken.
func NewTelegramNotifier(botToken string, chatID int64, inputChan <-chan core.CoreOutput) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return NewNotifier(bot, chatID, inputChan, 3, time.Second), nil
}

func NewNotifier(bot Sender, chatID int64, inputChan <-chan core.CoreOutput, maxRetries int, retryDelayBase time.Duration) *Notifier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Notifier{
		bot:            bot,
		chatID:         chatID,
		inputChan:      inputChan,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		logger:         observability.NewLogger("alerting"),
	}
}

// Run sends an alert for every liquidation until ctx is done. Delivery failures are logged.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-n.inputChan:
			if !ok {
				return nil
			}
			for _, text := range Alerts(out) {
				if err := n.Send(ctx, text); err != nil {
					n.logger.Error().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("alert not delivered")
				}
			}
		}
	}
}

// Send delivers a MarkdownV2 message with linear backoff between attempts.
func (n *Notifier) Send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		_, err := n.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == n.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to send message after %d retries: %w", n.maxRetries, lastErr)
}

// Alerts formats one message per liquidation in out.
func Alerts(out core.CoreOutput) []string {
	if out.Envelope == nil {
		return nil
	}
	var msgs []string
	for _, e := range out.Envelope.Events {
		liq, ok := e.(*event.PositionLiquidated)
		if !ok {
			continue
		}
		msgs = append(msgs, formatLiquidation(out.Envelope.Sequence, liq))
	}
	return msgs
}

func formatLiquidation(sequence int64, e *event.PositionLiquidated) string {
	var b strings.Builder
	if e.DeficitUsd > 0 {
		b.WriteString("*Insurance deficit*\n")
	}
	fmt.Fprintf(&b, "*Position liquidated* on %s\n", escapeMarkdownV2(e.Market))
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s: %s\n", label, escapeMarkdownV2(value))
	}
	line("Account", e.AccountID.String())
	line("Keeper", e.Keeper.String())
	line("Size", fpmath.FormatAmount(e.Size, fpmath.QuantityConfig)+" @ "+fpmath.FormatAmount(e.Price, fpmath.PriceConfig))
	line("Realized PnL", fpmath.FormatAmount(e.RealizedPnL, fpmath.QuoteConfig)+" USD")
	line("Keeper reward", fpmath.FormatAmount(e.KeeperRewardUsd, fpmath.QuoteConfig)+" USD")
	if e.DeficitUsd > 0 {
		line("Deficit", fpmath.FormatAmount(e.DeficitUsd, fpmath.QuoteConfig)+" USD")
	}
	line("Sequence", fmt.Sprintf("%d", sequence))
	return b.String()
}

// escapeMarkdownV2 escapes the characters Telegram reserves in MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
