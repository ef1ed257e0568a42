package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grading-orchestrator/internal/domain/model"
)

// TelegramNotifier posts a short outcome line to a single operator chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram: empty token")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// NewTelegramNotifierWithEndpoint points the bot at a custom API endpoint,
// a format string taking the token and method (tgbotapi.APIEndpoint form).
func NewTelegramNotifierWithEndpoint(token, endpoint string, client *http.Client, chatID int64) (*TelegramNotifier, error) {
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(ctx context.Context, ev model.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, outcomeText(ev))
	msg.DisableWebPagePreview = true
	_, err := t.bot.Send(msg)
	return err
}

func (t *TelegramNotifier) Close() error {
	t.bot.StopReceivingUpdates()
	return nil
}

func outcomeText(ev model.ProgressEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Submission %s: %s", ev.SubmissionID, ev.Status)
	if ev.Result != nil {
		fmt.Fprintf(&b, "\nScore: %.1f / %.1f", ev.Result.Score, ev.Result.MaxScore)
		if ev.Result.FromCache {
			b.WriteString(" (cached)")
		}
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", ev.Reason)
	}
	return b.String()
}
