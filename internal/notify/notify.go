package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/restyle/internal/models"
)

// Notifier receives operational alerts from the worker.
type Notifier interface {
	JobFailed(ctx context.Context, job *models.Job)
}

type Nop struct{}

func (Nop) JobFailed(context.Context, *models.Job) {}

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to a single ops chat.
type Telegram struct {
	api    Sender
	chatID int64
	log    *slog.Logger
}

func NewTelegram(api Sender, chatID int64, log *slog.Logger) *Telegram {
	return &Telegram{api: api, chatID: chatID, log: log}
}

// Dial connects to the Bot API. It returns Nop when alerts are not configured.
func Dial(token string, chatID int64, log *slog.Logger) (Notifier, error) {
	if strings.TrimSpace(token) == "" || chatID == 0 {
		return Nop{}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegram(api, chatID, log), nil
}

func (t *Telegram) JobFailed(_ context.Context, job *models.Job) {
	text := fmt.Sprintf("Generation failed permanently\njob: %s\ngeneration: %s\nidentity: %s\nstyle: %s\nattempts: %d/%d\nerror: %s",
		job.ID, job.GenerationID, job.IdentityKey, job.StyleKey, job.Attempts, job.MaxAttempts, truncate(job.LastError, 500))
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send failure alert", "job_id", job.ID, "err", err)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
