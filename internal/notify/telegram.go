// Package notify pushes trade events to Telegram when credentials are
// configured. A nil *Notifier is safe to call, so the loop never branches
// on whether notifications are enabled.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New returns nil (disabled) when token or chatID is unset.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram disabled")
		return nil
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("Telegram notifications enabled")
	return &Notifier{bot: bot, chatID: chatID}
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// Buy announces an entry or DCA fill.
func (n *Notifier) Buy(symbol, tag string, qty, price decimal.Decimal) {
	n.send(fmt.Sprintf("🟢 *BUY* %s `%s`\nqty %s @ %s", symbol, tag, qty.String(), price.String()))
}

// Sell announces an exit with its realized P&L.
func (n *Notifier) Sell(symbol, tag string, qty, price, profit decimal.Decimal) {
	emoji := "🔴"
	if profit.IsPositive() {
		emoji = "💰"
	}
	n.send(fmt.Sprintf("%s *SELL* %s `%s`\nqty %s @ %s\nrealized %s", emoji, symbol, tag, qty.String(), price.String(), profit.StringFixed(2)))
}
