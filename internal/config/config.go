// Package config provides configuration types and loading for agenttether.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Approval, Channels, Events, Audit, Pairing.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Approval ApprovalConfig `json:"approval"`
	Channels ChannelsConfig `json:"channels"`
	Events   EventsConfig   `json:"events"`
	Audit    AuditConfig    `json:"audit"`
	Pairing  PairingConfig  `json:"pairing"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// DataDir holds thread state, pairing state and the audit database.
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	// Workspace is the default working directory associated with new threads.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
}

// ---------------------------------------------------------------------------
// Approval – grant and dispatch behaviour
// ---------------------------------------------------------------------------

// ApprovalConfig groups permission-grant and message-dispatch settings.
type ApprovalConfig struct {
	GrantMinutes         int      `json:"grantMinutes" envconfig:"GRANT_MINUTES"`
	NeverApprove         []string `json:"neverApprove"`
	FlushDelayMS         int      `json:"flushDelayMs" envconfig:"FLUSH_DELAY_MS"`
	ErrorDebounceSeconds int      `json:"errorDebounceSeconds" envconfig:"ERROR_DEBOUNCE_SECONDS"`
	CommandPrefix        string   `json:"commandPrefix" envconfig:"COMMAND_PREFIX"`
	DisabledCommands     []string `json:"disabledCommands"`
}

// GrantDuration returns the grant lifetime as a duration.
func (c ApprovalConfig) GrantDuration() time.Duration {
	return time.Duration(c.GrantMinutes) * time.Minute
}

// FlushDelay returns the notification batching delay as a duration.
func (c ApprovalConfig) FlushDelay() time.Duration {
	return time.Duration(c.FlushDelayMS) * time.Millisecond
}

// ErrorDebounce returns the error-status suppression window as a duration.
func (c ApprovalConfig) ErrorDebounce() time.Duration {
	return time.Duration(c.ErrorDebounceSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the Telegram channel. Threads map to forum
// topics inside the configured supergroup.
type TelegramConfig struct {
	Enabled      bool     `json:"enabled" envconfig:"ENABLED"`
	Token        string   `json:"token" envconfig:"TOKEN"`
	ForumGroupID int64    `json:"forumGroupId" envconfig:"FORUM_GROUP_ID"`
	AllowFrom    []string `json:"allowFrom"`
	Proxy        string   `json:"proxy,omitempty" envconfig:"PROXY"`
}

// SlackConfig configures the Slack channel. Threads map to message
// threads inside the configured channel.
type SlackConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"ENABLED"`
	BotToken  string   `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken  string   `json:"appToken" envconfig:"APP_TOKEN"`
	ChannelID string   `json:"channelId" envconfig:"CHANNEL_ID"`
	AllowFrom []string `json:"allowFrom"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"ENABLED"`
	StorePath string   `json:"storePath,omitempty" envconfig:"STORE_PATH"`
	AllowFrom []string `json:"allowFrom"`
}

// ---------------------------------------------------------------------------
// Events – agent event source
// ---------------------------------------------------------------------------

// EventsConfig configures where agent session events come from.
type EventsConfig struct {
	Kafka KafkaConfig `json:"kafka"`
}

// KafkaConfig configures the Kafka event source. The message key carries
// the thread id; the value is a JSON event envelope.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
	GroupID string   `json:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Audit – approval trail persistence
// ---------------------------------------------------------------------------

// AuditConfig configures the SQLite audit trail.
type AuditConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath  string `json:"dbPath,omitempty" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Pairing – user authorization
// ---------------------------------------------------------------------------

// PairingConfig configures chat-user pairing.
type PairingConfig struct {
	// Code pins the pairing code instead of generating one.
	Code string `json:"code,omitempty" envconfig:"CODE"`
	// File overrides the pairing state path; default is DataDir/pairing.json.
	File string `json:"file,omitempty" envconfig:"FILE"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/" + ConfigDir,
		},
		Approval: ApprovalConfig{
			GrantMinutes:         30,
			NeverApprove:         []string{"task", "enterplanmode", "exitplanmode"},
			FlushDelayMS:         1500,
			ErrorDebounceSeconds: 10,
			CommandPrefix:        "!",
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "agent-events",
				GroupID: "agenttether",
			},
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// StateFile returns the thread-state path under the data dir.
func (c *Config) StateFile() string {
	return filepath.Join(c.Paths.DataDir, "threads.json")
}

// PairingFile returns the pairing-state path, honoring the override.
func (c *Config) PairingFile() string {
	if c.Pairing.File != "" {
		return c.Pairing.File
	}
	return filepath.Join(c.Paths.DataDir, "pairing.json")
}

// AuditDBPath returns the audit database path, honoring the override.
func (c *Config) AuditDBPath() string {
	if c.Audit.DBPath != "" {
		return c.Audit.DBPath
	}
	return filepath.Join(c.Paths.DataDir, "audit.db")
}

// WhatsAppStorePath returns the whatsmeow session store path.
func (c *Config) WhatsAppStorePath() string {
	if c.Channels.WhatsApp.StorePath != "" {
		return c.Channels.WhatsApp.StorePath
	}
	return filepath.Join(c.Paths.DataDir, "whatsapp.db")
}
