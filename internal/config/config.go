// Package config loads service configuration from an optional YAML file with
// environment-variable overrides for the settings deployments usually inject.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Frontend  FrontendConfig  `yaml:"frontend"`
	Providers ProvidersConfig `yaml:"providers"`
	Sync      SyncConfig      `yaml:"sync"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally reachable origin providers call back into
	// (OAuth redirects, webhook notifications).
	BaseURL string `yaml:"baseUrl"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type FrontendConfig struct {
	// URL the OAuth callback redirects the browser back to.
	URL string `yaml:"url"`
}

type OAuthClientConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

type ProvidersConfig struct {
	Google   OAuthClientConfig `yaml:"google"`
	Outlook  OAuthClientConfig `yaml:"outlook"`
	Calendly OAuthClientConfig `yaml:"calendly"`
}

type SyncConfig struct {
	ImmediateWorkers int           `yaml:"immediateWorkers"`
	BatchWorkers     int           `yaml:"batchWorkers"`
	FullSyncInterval time.Duration `yaml:"fullSyncInterval"`
	WebhookInterval  time.Duration `yaml:"webhookInterval"`
}

type SecretsConfig struct {
	// EncryptionKey is 64 hex chars (32 bytes) for AES-256-GCM. Empty means
	// credentials are stored unencrypted (dev only).
	EncryptionKey string `yaml:"encryptionKey"`
}

// Load reads the YAML file at path (empty path skips the file), applies env
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Server.Host, "HOST")
	overrideInt(&c.Server.Port, "PORT")
	overrideString(&c.Server.BaseURL, "BASE_URL")
	overrideString(&c.Database.Path, "DATABASE_PATH")
	overrideString(&c.Frontend.URL, "FRONTEND_URL")
	overrideString(&c.Providers.Google.ClientID, "GOOGLE_CLIENT_ID")
	overrideString(&c.Providers.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	overrideString(&c.Providers.Outlook.ClientID, "OUTLOOK_CLIENT_ID")
	overrideString(&c.Providers.Outlook.ClientSecret, "OUTLOOK_CLIENT_SECRET")
	overrideString(&c.Providers.Calendly.ClientID, "CALENDLY_CLIENT_ID")
	overrideString(&c.Providers.Calendly.ClientSecret, "CALENDLY_CLIENT_SECRET")
	overrideString(&c.Secrets.EncryptionKey, "CALSYNC_ENCRYPTION_KEY")
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Database.Path == "" {
		c.Database.Path = "calsync.db"
	}
	if c.Frontend.URL == "" {
		c.Frontend.URL = c.Server.BaseURL
	}
	if c.Sync.ImmediateWorkers <= 0 {
		c.Sync.ImmediateWorkers = 2
	}
	if c.Sync.BatchWorkers <= 0 {
		c.Sync.BatchWorkers = 2
	}
	if c.Sync.FullSyncInterval <= 0 {
		c.Sync.FullSyncInterval = 15 * time.Minute
	}
	if c.Sync.WebhookInterval <= 0 {
		c.Sync.WebhookInterval = time.Hour
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func overrideString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			*target = parsed
		}
	}
}
