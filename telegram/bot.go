package telegram

import (
	"context"
	"errors"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dhcgn/mail-to-telegram/dispatch"
)

const (
	greetingText = "👋 Welcome! You are subscribed to report notifications."
	notFoundText = "🚫 Your account was not found. Please contact the administrator."
)

// BotAPI is the part of *tgbotapi.BotAPI used by the command loop.
type BotAPI interface {
	Sender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Directory answers whether a Telegram user is a known subscriber.
type Directory interface {
	IsSubscriber(ctx context.Context, telegramID int64) (bool, error)
}

// Bot long-polls updates and answers /start. Every update is handled on the
// dispatch loop, next to deliveries and marker writes.
type Bot struct {
	api    BotAPI
	dir    Directory
	loop   dispatch.Caller
	logger *slog.Logger
}

func NewBot(api BotAPI, dir Directory, loop dispatch.Caller, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, dir: dir, loop: loop, logger: logger}
}

func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	cfg.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(cfg)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			err := b.loop.Call(ctx, func(ctx context.Context) error {
				return b.handle(ctx, upd)
			})
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("handling update failed", "update", upd.UpdateID, "err", err)
			}
		}
	}
}

func (b *Bot) handle(ctx context.Context, upd tgbotapi.Update) error {
	msg := upd.Message
	if msg == nil || msg.From == nil || !msg.IsCommand() || msg.Command() != "start" {
		return nil
	}

	known, err := b.dir.IsSubscriber(ctx, msg.From.ID)
	if err != nil {
		return err
	}
	b.logger.Info("start command", "user", msg.From.ID, "known", known)

	text := notFoundText
	if known {
		text = greetingText
	}
	_, err = b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, text))
	return err
}
