package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram delivers alerts through the Bot API.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram validates token against the Bot API.
func NewTelegram(token string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: m.ChatID}, m.Text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ThreadID:              m.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}
