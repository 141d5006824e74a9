// internal/infra/telegram/client.go
package telegram

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// TelebotAdapter implements the domain Client on gopkg.in/telebot.v3.
type TelebotAdapter struct {
	bot *telebot.Bot
}

func NewTelebotAdapter(b *telebot.Bot) *TelebotAdapter {
	return &TelebotAdapter{bot: b}
}

// SendMessage sends text to a chat. chatID may be a user or a group chat.
func (tba *TelebotAdapter) SendMessage(chatID int64, text string, options *telebot.SendOptions) error {
	if options == nil {
		options = &telebot.SendOptions{}
	}
	_, err := tba.bot.Send(telebot.ChatID(chatID), text, options)
	return err
}

// NewBot builds a long-polling bot. Errors raised inside handlers are logged.
func NewBot(token string, logger logrus.FieldLogger) (*telebot.Bot, error) {
	pref := telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			log := logger.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				log = log.WithFields(logrus.Fields{"text": c.Text(), "sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
			}
			log.Error("Telegram handler failed")
		},
	}
	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("could not create Telegram bot: %w", err)
	}
	return b, nil
}
