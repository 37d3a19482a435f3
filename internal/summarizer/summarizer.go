// Package summarizer submits log text to a generative-AI service and returns
// its free-text analysis.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Summarizer analyzes a block of log text under an instruction prompt
type Summarizer interface {
	Summarize(ctx context.Context, prompt, text string) (string, error)
}

// Supported providers
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

const (
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 2048
)

var (
	ErrNoAPIKey        = errors.New("summarizer: api key required")
	ErrUnknownProvider = errors.New("summarizer: unknown provider")
	ErrEmptyResponse   = errors.New("summarizer: empty response")
)

// Config selects and configures a backend
type Config struct {
	Provider   string `toml:"provider" yaml:"provider"`
	APIKey     string `toml:"api_key" yaml:"api_key"`
	Model      string `toml:"model" yaml:"model"`
	BaseURL    string `toml:"base_url" yaml:"base_url"`
	MaxTokens  int    `toml:"max_tokens" yaml:"max_tokens"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns the Gemini configuration without credentials
func DefaultConfig() Config {
	return Config{
		Provider:   ProviderGemini,
		MaxTokens:  defaultMaxTokens,
		MaxRetries: 2,
	}
}

// New builds the backend named by cfg.Provider.
// A missing API key is an error: the analyzer cannot run without one.
func New(cfg Config) (Summarizer, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		if cfg.BaseURL == "" {
			cfg.BaseURL = GeminiBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = defaultGeminiModel
		}
		return NewOpenAI(cfg), nil
	case ProviderOpenAI:
		if cfg.Model == "" {
			cfg.Model = defaultOpenAIModel
		}
		return NewOpenAI(cfg), nil
	case ProviderAnthropic:
		if cfg.Model == "" {
			cfg.Model = defaultAnthropicModel
		}
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// BuildPrompt wraps log text in a fenced block after the instruction prompt
func BuildPrompt(prompt, text string) string {
	return prompt + "\n\n```logs\n" + text + "\n```"
}

// Degrade renders a summarizer failure as result text
func Degrade(err error) string {
	return fmt.Sprintf("AI analysis failed: %v", err)
}

// DefaultPrompt asks for a severity-ranked list of findings
const DefaultPrompt = `Analyze the provided log entries for potential security issues (for example unauthorized access or brute-force attempts), performance problems (for example timeouts or high latency) and critical system errors (for example service outages or full disks).
For each issue found, provide:
1. A concise summary of the issue;
2. Its severity level (critical, high, medium, low, informational);
3. Suggested corrective actions.

If no significant issue is detected, answer "No significant issues detected".
Format the answer as clear readable text, listing critical issues first.

Logs to analyze:`
