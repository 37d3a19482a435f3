// Package notify delivers alert messages to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// Notifier sends a single alert message
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Config enables and configures the notification channels
type Config struct {
	Enabled  bool           `toml:"enabled" yaml:"enabled"`
	SMTP     SMTPConfig     `toml:"smtp" yaml:"smtp"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram"`
	Kube     KubeConfig     `toml:"kubernetes" yaml:"kubernetes"`
}

// DefaultConfig returns notifications disabled with SMTP defaults filled in
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		SMTP:    DefaultSMTPConfig(),
		Kube:    DefaultKubeConfig(),
	}
}

// Validate checks the enabled channels
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SMTP.Enabled {
		if err := c.SMTP.Validate(); err != nil {
			return err
		}
	}
	if c.Telegram.Enabled {
		if err := c.Telegram.Validate(); err != nil {
			return err
		}
	}
	if c.Kube.Enabled {
		if err := c.Kube.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// New assembles the configured channels. With notifications disabled, or no
// channel enabled, it returns a Disabled notifier.
func New(cfg Config, logger *slog.Logger) (Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return Disabled{Logger: logger}, nil
	}

	var channels []Notifier
	if cfg.SMTP.Enabled {
		smtp, err := NewSMTP(cfg.SMTP)
		if err != nil {
			return nil, fmt.Errorf("smtp notifier: %w", err)
		}
		channels = append(channels, smtp)
	}
	if cfg.Telegram.Enabled {
		tg, err := NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		channels = append(channels, tg)
	}
	if cfg.Kube.Enabled {
		client, err := NewKubeClient(cfg.Kube.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes notifier: %w", err)
		}
		channels = append(channels, NewKubeEvent(client, cfg.Kube))
	}

	switch len(channels) {
	case 0:
		logger.Warn("notifications enabled but no channel configured")
		return Disabled{Logger: logger}, nil
	case 1:
		return channels[0], nil
	default:
		return Multi(channels), nil
	}
}

// Disabled drops every notification
type Disabled struct {
	Logger *slog.Logger
}

func (d Disabled) Notify(_ context.Context, subject, _ string) error {
	if d.Logger != nil {
		d.Logger.Debug("notifications disabled, dropping alert", "subject", subject)
	}
	return nil
}

// Multi fans a notification out to every channel. Each channel is attempted
// and failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
