// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Discord       DiscordConfig      `mapstructure:"discord"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Entitlements  EntitlementsConfig `mapstructure:"entitlements"`
	Reconciler    ReconcilerConfig   `mapstructure:"reconciler"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Audit         AuditConfig        `mapstructure:"audit"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// DiscordConfig holds credentials and identifiers for the Discord API.
type DiscordConfig struct {
	Token            string `mapstructure:"token"`
	ApplicationID    string `mapstructure:"application_id"`
	PublicKey        string `mapstructure:"public_key"`
	GuildID          string `mapstructure:"guild_id"`           // optional: guild-scoped command registration
	WelcomeChannelID string `mapstructure:"welcome_channel_id"` // optional
	APIBaseURL       string `mapstructure:"api_base_url"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	SSLEnabled bool     `mapstructure:"ssl_enabled"`
}

// EntitlementsConfig holds settings for the role-sync layer.
type EntitlementsConfig struct {
	BindingsPath string `mapstructure:"bindings_path"` // permission slug -> role id mapping file
	CacheTTL     int    `mapstructure:"cache_ttl"`     // seconds, permission definition cache
}

// ReconcilerConfig holds the expiry sweep schedule.
type ReconcilerConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	ManagedSlugs    []string `mapstructure:"managed_slugs"`
	StartupDelay    int      `mapstructure:"startup_delay"`    // seconds
	IntervalMinutes int      `mapstructure:"interval_minutes"` // sweep period
}

// NotificationConfig holds settings for expiry notices and operator alerts.
type NotificationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	Alerts struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"alerts"`
}

// AuditConfig holds settings for the Elasticsearch audit trail.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	IndexPrefix string `mapstructure:"index_prefix"`
}

// HTTPConfig holds the listen address for interactions, health and metrics.
type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
