package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/logwarden/internal/cycle"
	"github.com/livinlefevreloca/logwarden/internal/db"
	"github.com/livinlefevreloca/logwarden/internal/logging"
	"github.com/livinlefevreloca/logwarden/internal/logstore"
	"github.com/livinlefevreloca/logwarden/internal/notify"
	"github.com/livinlefevreloca/logwarden/internal/summarizer"
	"github.com/livinlefevreloca/logwarden/internal/watermark"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// State backends
const (
	BackendElasticsearch = "elasticsearch"
	BackendSQLite        = "sqlite"
)

// Config represents the application configuration
type Config struct {
	Elasticsearch logstore.Config   `toml:"elasticsearch" yaml:"elasticsearch"`
	State         StateConfig       `toml:"state" yaml:"state"`
	Analysis      cycle.Config      `toml:"analysis" yaml:"analysis"`
	Watermark     watermark.Config  `toml:"watermark" yaml:"watermark"`
	Summarizer    summarizer.Config `toml:"summarizer" yaml:"summarizer"`
	Notify        notify.Config     `toml:"notify" yaml:"notify"`
	Logging       logging.Config    `toml:"logging" yaml:"logging"`
}

// StateConfig selects where watermarks, results and cycle reports are kept
type StateConfig struct {
	Backend  string    `toml:"backend" yaml:"backend"`
	Database db.Config `toml:"database" yaml:"database"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Elasticsearch: logstore.DefaultConfig(),
		State: StateConfig{
			Backend: BackendElasticsearch,
			Database: db.Config{
				Driver:          db.DriverSQLite3,
				DSN:             "logwarden.db",
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Analysis:   cycle.DefaultConfig(),
		Watermark:  watermark.DefaultConfig(),
		Summarizer: summarizer.DefaultConfig(),
		Notify:     notify.DefaultConfig(),
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML or YAML file, chosen by extension
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides settings from the environment variables the analyzer
// has always honored
func applyEnv(c *Config) error {
	if v, ok := lookup("ES_HOST"); ok {
		c.Elasticsearch.Addresses = []string{v}
	}
	if v, ok := lookup("ES_USER"); ok {
		c.Elasticsearch.Username = v
	}
	if v, ok := lookup("ES_PASSWORD"); ok {
		c.Elasticsearch.Password = v
	}
	if v, ok := lookup("LOG_INDEX_PATTERN"); ok {
		c.Elasticsearch.LogIndexPattern = v
	}
	if v, ok := lookup("ANALYSIS_STATE_INDEX"); ok {
		c.Elasticsearch.WatermarkIndex = v
	}
	if v, ok := lookup("IA_RESULTS_INDEX"); ok {
		c.Elasticsearch.ResultsIndex = v
	}
	if v, ok := lookup("CLIENT_ID_FIELD"); ok {
		c.Elasticsearch.ClientIDField = v
	}
	if v, ok := lookup("GEMINI_API_KEY"); ok {
		c.Summarizer.APIKey = v
	}

	if v, ok := lookup("ANALYSIS_INTERVAL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANALYSIS_INTERVAL_SECONDS: %w", err)
		}
		c.Analysis.Interval = time.Duration(n) * time.Second
	}
	if v, ok := lookup("MAX_LOGS_PER_BATCH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_LOGS_PER_BATCH: %w", err)
		}
		c.Analysis.MaxLogsPerBatch = n
	}
	if v, ok := lookup("INITIAL_LOOKBACK_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INITIAL_LOOKBACK_SECONDS: %w", err)
		}
		c.Watermark.InitialLookback = time.Duration(n) * time.Second
	}
	if v, ok := lookup("ACTIVE_CLIENTS_LOOKBACK_TIME"); ok {
		d, err := ParseLookback(v)
		if err != nil {
			return fmt.Errorf("ACTIVE_CLIENTS_LOOKBACK_TIME: %w", err)
		}
		c.Analysis.ActiveClientsLookback = d
	}
	if v, ok := lookup("ALERT_SEVERITIES"); ok {
		c.Analysis.AlertSeverities = strings.Split(v, ",")
	}

	if v, ok := lookup("ENABLE_EMAIL_NOTIFICATIONS"); ok {
		enabled := strings.ToLower(v) == "true"
		c.Notify.SMTP.Enabled = enabled
		if enabled {
			c.Notify.Enabled = true
		}
	}
	if v, ok := lookup("SMTP_SERVER"); ok {
		c.Notify.SMTP.Host = v
	}
	if v, ok := lookup("SMTP_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		c.Notify.SMTP.Port = n
	}
	if v, ok := lookup("SMTP_USERNAME"); ok {
		c.Notify.SMTP.Username = v
	}
	if v, ok := lookup("SMTP_PASSWORD"); ok {
		c.Notify.SMTP.Password = v
	}
	if v, ok := lookup("EMAIL_FROM"); ok {
		c.Notify.SMTP.From = v
	}
	if v, ok := lookup("EMAIL_TO"); ok {
		c.Notify.SMTP.To = notify.SplitRecipients(v)
	}
	if v, ok := lookup("EMAIL_SUBJECT_PREFIX"); ok {
		c.Notify.SMTP.SubjectPrefix = v
	}

	return nil
}

// lookup treats an empty variable as unset
func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// ParseLookback parses a date-math span such as "24h", "7d" or "30m".
// Plain Go durations are accepted too.
func ParseLookback(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty lookback")
	}

	units := map[byte]time.Duration{
		's': time.Second,
		'm': time.Minute,
		'h': time.Hour,
		'H': time.Hour,
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}
	if unit, ok := units[s[len(s)-1]]; ok {
		if n, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			if n <= 0 {
				return 0, fmt.Errorf("lookback must be positive: %q", s)
			}
			return time.Duration(n) * unit, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("unsupported lookback %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("lookback must be positive: %q", s)
	}
	return d, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Elasticsearch validation
	if len(c.Elasticsearch.Addresses) == 0 {
		return invalid("elasticsearch addresses must be specified")
	}
	if c.Elasticsearch.LogIndexPattern == "" {
		return invalid("elasticsearch log_index_pattern must be specified")
	}
	if c.Elasticsearch.ClientIDField == "" {
		return invalid("elasticsearch client_id_field must be specified")
	}
	if c.Elasticsearch.MaxClients <= 0 {
		return invalid("elasticsearch max_clients must be positive")
	}

	// State validation
	switch c.State.Backend {
	case BackendElasticsearch:
		if c.Elasticsearch.ResultsIndex == "" || c.Elasticsearch.WatermarkIndex == "" {
			return invalid("elasticsearch results_index and watermark_index must be specified")
		}
	case BackendSQLite:
		if c.State.Database.Driver != db.DriverSQLite3 && c.State.Database.Driver != db.DriverSQLite {
			return invalid("unsupported database driver: %s (must be sqlite3 or sqlite)", c.State.Database.Driver)
		}
		if c.State.Database.DSN == "" {
			return invalid("database DSN must be specified")
		}
	default:
		return invalid("unsupported state backend: %s (must be elasticsearch or sqlite)", c.State.Backend)
	}

	// Analysis validation
	if _, err := cycle.ParseSchedule(c.Analysis); err != nil {
		return invalid("analysis schedule: %v", err)
	}
	if c.Analysis.MaxLogsPerBatch <= 0 {
		return invalid("analysis max_logs_per_batch must be positive")
	}
	if c.Analysis.ActiveClientsLookback <= 0 {
		return invalid("analysis active_clients_lookback must be positive")
	}
	if c.Analysis.Workers <= 0 {
		return invalid("analysis workers must be positive")
	}
	if len(c.Analysis.AlertSeverities) == 0 {
		return invalid("analysis alert_severities must not be empty")
	}

	// Watermark validation
	if c.Watermark.InitialLookback <= 0 {
		return invalid("watermark initial_lookback must be positive")
	}

	// Summarizer validation
	switch c.Summarizer.Provider {
	case summarizer.ProviderGemini, summarizer.ProviderOpenAI, summarizer.ProviderAnthropic:
	default:
		return invalid("unsupported summarizer provider: %s (must be gemini, openai, or anthropic)", c.Summarizer.Provider)
	}

	// Notify validation
	if err := c.Notify.Validate(); err != nil {
		return invalid("notify: %v", err)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return invalid("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return invalid("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
