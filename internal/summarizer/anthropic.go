package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic summarizes through the Messages API
type Anthropic struct {
	msgs      messagesAPI
	model     string
	maxTokens int
}

// NewAnthropic constructs the Messages API backend
func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	client := anthropic.NewClient(opts...)
	return &Anthropic{
		msgs:      &client.Messages,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (a *Anthropic) Summarize(ctx context.Context, prompt, text string) (string, error) {
	msg, err := a.msgs.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(prompt, text))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages: %w", err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}

	content := strings.TrimSpace(strings.Join(parts, ""))
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
