package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram caps a message at 4096 characters
const telegramMaxLen = 4000

// TelegramConfig configures Telegram delivery
type TelegramConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Token       string  `toml:"token" yaml:"token"`
	ChatIDs     []int64 `toml:"chat_ids" yaml:"chat_ids"`
	APIEndpoint string  `toml:"api_endpoint" yaml:"api_endpoint"`
}

// Validate checks required Telegram settings
func (c TelegramConfig) Validate() error {
	if c.Token == "" {
		return errors.New("telegram token must be specified")
	}
	if len(c.ChatIDs) == 0 {
		return errors.New("telegram requires at least one chat id")
	}
	return nil
}

// TelegramBot is the subset of the bot API used for alerts
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates TelegramBot instances
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Telegram sends alerts to one or more chats. The bot is created on first use
// so startup does not depend on Telegram being reachable.
type Telegram struct {
	config  TelegramConfig
	factory BotFactory

	mu  sync.Mutex
	bot TelegramBot
}

// NewTelegram builds a Telegram notifier
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, defaultBotFactory)
}

// NewTelegramWithFactory builds a Telegram notifier with a custom bot factory
func NewTelegramWithFactory(cfg TelegramConfig, factory BotFactory) (*Telegram, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{config: cfg, factory: factory}, nil
}

func (t *Telegram) Notify(ctx context.Context, subject, body string) error {
	bot, err := t.getBot()
	if err != nil {
		return err
	}

	text := truncate(subject+"\n\n"+body, telegramMaxLen)

	var errs []error
	for _, chatID := range t.config.ChatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			errs = append(errs, fmt.Errorf("send telegram message to %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) getBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := t.factory(t.config.Token, t.config.APIEndpoint, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}
