package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPConfig configures email delivery
type SMTPConfig struct {
	Enabled       bool          `toml:"enabled" yaml:"enabled"`
	Host          string        `toml:"host" yaml:"host"`
	Port          int           `toml:"port" yaml:"port"`
	Username      string        `toml:"username" yaml:"username"`
	Password      string        `toml:"password" yaml:"password"`
	From          string        `toml:"from" yaml:"from"`
	To            []string      `toml:"to" yaml:"to"`
	SubjectPrefix string        `toml:"subject_prefix" yaml:"subject_prefix"`
	TLSPolicy     string        `toml:"tls_policy" yaml:"tls_policy"` // mandatory, opportunistic, none
	Timeout       time.Duration `toml:"timeout" yaml:"timeout"`
}

// DefaultSMTPConfig returns the submission-port defaults
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:          "smtp.example.com",
		Port:          587,
		From:          "logwarden@example.com",
		SubjectPrefix: "[AI Log Analyzer Alert]",
		TLSPolicy:     "mandatory",
		Timeout:       30 * time.Second,
	}
}

// Validate checks required SMTP settings
func (c SMTPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("smtp host must be specified")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("smtp port must be between 1 and 65535")
	}
	if c.From == "" {
		return errors.New("smtp from address must be specified")
	}
	if len(c.To) == 0 {
		return errors.New("smtp requires at least one recipient")
	}
	if _, err := parseTLSPolicy(c.TLSPolicy); err != nil {
		return err
	}
	return nil
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTP sends alerts as plain-text email
type SMTP struct {
	config SMTPConfig
	sender mailSender
}

// NewSMTP builds an SMTP notifier. No connection is made until the first send.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	policy, err := parseTLSPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}

	return &SMTP{config: cfg, sender: client}, nil
}

func (s *SMTP) Notify(ctx context.Context, subject, body string) error {
	msg, err := s.buildMessage(subject, body)
	if err != nil {
		return err
	}
	if err := s.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *SMTP) buildMessage(subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.config.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(s.config.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	fullSubject := subject
	if s.config.SubjectPrefix != "" {
		fullSubject = s.config.SubjectPrefix + " " + subject
	}
	msg.Subject(fullSubject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func parseTLSPolicy(s string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("invalid smtp tls_policy: %s (must be mandatory, opportunistic, or none)", s)
	}
}

// SplitRecipients parses a comma-separated recipient list
func SplitRecipients(s string) []string {
	var out []string
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
