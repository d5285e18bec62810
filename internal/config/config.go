// Package config provides YAML-based configuration loading for chatwire adapters.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level adapter configuration, loaded from config.yaml.
type Config struct {
	Adapter     AdapterConfig     `yaml:"adapter"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Caching     CachingConfig     `yaml:"caching"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	SocketIO    SocketIOConfig    `yaml:"socketio"`

	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
	Zulip    ZulipConfig    `yaml:"zulip"`
	TextFile TextFileConfig `yaml:"text_file"`
}

// AdapterConfig identifies the adapter instance and its shared tunables.
type AdapterConfig struct {
	Type             string `yaml:"type"` // "discord", "slack", "telegram", "zulip", "text_file"
	Name             string `yaml:"name"` // bot display name on the platform
	ID               string `yaml:"id"`   // bot user ID on the platform
	Email            string `yaml:"email"`
	MaxHistoryLimit  int    `yaml:"max_history_limit"`
	MaxMessageLength int    `yaml:"max_message_length"`
	EmojiMappings    string `yaml:"emoji_mappings"` // CSV of platform-specific emoji name overrides
}

// AttachmentsConfig controls on-disk attachment storage.
type AttachmentsConfig struct {
	StorageDir           string `yaml:"storage_dir"`
	MaxAgeDays           int    `yaml:"max_age_days"`
	MaxTotalAttachments  int    `yaml:"max_total_attachments"`
	CleanupIntervalHours int    `yaml:"cleanup_interval_hours"`
	MaxFileSizeMB        int    `yaml:"max_file_size_mb"`
}

// CachingConfig controls the in-memory message cache.
type CachingConfig struct {
	MaxMessagesPerConversation int  `yaml:"max_messages_per_conversation"`
	MaxTotalMessages           int  `yaml:"max_total_messages"`
	MaxAgeHours                int  `yaml:"max_age_hours"`
	MaintenanceIntervalSecs    int  `yaml:"cache_maintenance_interval"`
	CacheFetchedHistory        bool `yaml:"cache_fetched_history"`
}

// RateLimitConfig holds requests-per-minute budgets.
type RateLimitConfig struct {
	GlobalRPM          int `yaml:"global_rpm"`
	PerConversationRPM int `yaml:"per_conversation_rpm"`
	MessageRPM         int `yaml:"message_rpm"`
}

// LoggingConfig selects the log destination.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug" enables verbose cache/rate-limit logs
	File  string `yaml:"file"`  // empty means stderr
}

// SocketIOConfig configures the event-bus server endpoint.
type SocketIOConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	APIBase  string `yaml:"api_base"`
}

// ZulipConfig holds Zulip REST credentials.
type ZulipConfig struct {
	Site   string `yaml:"site"`
	Email  string `yaml:"email"`
	APIKey string `yaml:"api_key"`
}

// TextFileConfig configures the text-file adapter: the undo log plus the
// validation policy applied before files are read back to the host.
type TextFileConfig struct {
	BaseDirectory        string   `yaml:"base_directory"`
	AllowedDirectories   []string `yaml:"allowed_directories"`
	BackupDirectory      string   `yaml:"backup_directory"`
	EventTTLHours        int      `yaml:"event_ttl_hours"`
	CleanupIntervalHours int      `yaml:"cleanup_interval_hours"`
	MaxEventsPerFile     int      `yaml:"max_events_per_file"`
	MaxFileSizeMB        int      `yaml:"max_file_size"`
	MaxTokenCount        int      `yaml:"max_token_count"`
	SecurityMode         string   `yaml:"security_mode"` // strict, permissive, unrestricted
	AllowedExtensions    []string `yaml:"allowed_extensions"`
	BlockedExtensions    []string `yaml:"blocked_extensions"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Adapter.MaxHistoryLimit == 0 {
		c.Adapter.MaxHistoryLimit = 100
	}
	if c.Adapter.MaxMessageLength == 0 {
		c.Adapter.MaxMessageLength = 4000
	}
	if c.Attachments.MaxAgeDays == 0 {
		c.Attachments.MaxAgeDays = 30
	}
	if c.Attachments.MaxTotalAttachments == 0 {
		c.Attachments.MaxTotalAttachments = 1000
	}
	if c.Attachments.CleanupIntervalHours == 0 {
		c.Attachments.CleanupIntervalHours = 24
	}
	if c.Caching.MaxMessagesPerConversation == 0 {
		c.Caching.MaxMessagesPerConversation = 100
	}
	if c.Caching.MaxTotalMessages == 0 {
		c.Caching.MaxTotalMessages = 10000
	}
	if c.Caching.MaxAgeHours == 0 {
		c.Caching.MaxAgeHours = 24
	}
	if c.Caching.MaintenanceIntervalSecs == 0 {
		c.Caching.MaintenanceIntervalSecs = 300
	}
	if c.RateLimit.GlobalRPM == 0 {
		c.RateLimit.GlobalRPM = 50
	}
	if c.RateLimit.PerConversationRPM == 0 {
		c.RateLimit.PerConversationRPM = 5
	}
	if c.RateLimit.MessageRPM == 0 {
		c.RateLimit.MessageRPM = 20
	}
	if c.SocketIO.Host == "" {
		c.SocketIO.Host = "127.0.0.1"
	}
	if c.SocketIO.Port == 0 {
		c.SocketIO.Port = 8080
	}
	if c.SocketIO.CORSAllowedOrigins == "" {
		c.SocketIO.CORSAllowedOrigins = "*"
	}
	if c.TextFile.EventTTLHours == 0 {
		c.TextFile.EventTTLHours = 24
	}
	if c.TextFile.CleanupIntervalHours == 0 {
		c.TextFile.CleanupIntervalHours = 1
	}
	if c.TextFile.MaxEventsPerFile == 0 {
		c.TextFile.MaxEventsPerFile = 10
	}
	if c.TextFile.MaxFileSizeMB == 0 {
		c.TextFile.MaxFileSizeMB = 5
	}
	if c.TextFile.MaxTokenCount == 0 {
		c.TextFile.MaxTokenCount = 50000
	}
	if c.TextFile.SecurityMode == "" {
		c.TextFile.SecurityMode = "strict"
	}
	if len(c.TextFile.AllowedExtensions) == 0 {
		c.TextFile.AllowedExtensions = []string{"txt", "md", "log", "csv", "json", "yaml", "yml"}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Adapter.Type {
	case "":
		errs = append(errs, "adapter.type is required")
	case "discord", "slack", "telegram", "zulip", "text_file":
	default:
		errs = append(errs, fmt.Sprintf("adapter.type %q is not supported", c.Adapter.Type))
	}
	if c.Attachments.StorageDir == "" && c.Adapter.Type != "text_file" {
		errs = append(errs, "attachments.storage_dir is required")
	}
	switch c.Adapter.Type {
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	case "telegram":
		if c.Telegram.BotToken == "" {
			errs = append(errs, "telegram.bot_token is required")
		}
	case "zulip":
		if c.Zulip.Site == "" || c.Zulip.Email == "" || c.Zulip.APIKey == "" {
			errs = append(errs, "zulip.site, zulip.email and zulip.api_key are required")
		}
	case "text_file":
		if c.TextFile.BaseDirectory == "" {
			errs = append(errs, "text_file.base_directory is required")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
