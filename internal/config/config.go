package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	LogLevel string         `yaml:"log_level"`
	API      APIConfig      `yaml:"api"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Twitch   TwitchConfig   `yaml:"twitch"`
	S3       S3Config       `yaml:"s3"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploaderConfig `yaml:"uploader"`
}

// APIConfig locates the PressMe backend
type APIConfig struct {
	URL            string `yaml:"url"`
	WebSocketURL   string `yaml:"ws_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// OverlayConfig holds donation discovery and playback settings
type OverlayConfig struct {
	// Poll the recent donations list instead of the event stream
	Poll               bool `yaml:"poll"`
	PollIntervalMillis int  `yaml:"poll_interval_ms"`
	HoldMillis         int  `yaml:"hold_ms"`
	ReconnectAttempts  int  `yaml:"reconnect_attempts"`
	ContentMillis      int  `yaml:"content_ms"`
}

// ServerConfig holds the overlay HTTP server settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AuthConfig selects where the viewer session is persisted
type AuthConfig struct {
	Store       string `yaml:"store"` // "file" or "redis"
	Dir         string `yaml:"dir"`
	RedisURL    string `yaml:"redis_url"`
	SessionName string `yaml:"session_name"`
}

// WalletConfig holds the signing wallet settings
type WalletConfig struct {
	Keypair     string `yaml:"keypair"`      // solana-keygen JSON file
	AutoApprove bool   `yaml:"auto_approve"` // Sign without prompting
}

// TwitchConfig holds Twitch chat announcement configuration
type TwitchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Username string   `yaml:"username"`
	OAuth    string   `yaml:"oauth"`
	Channels []string `yaml:"channels"`
	Template string   `yaml:"template"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	TokenFile       string `yaml:"token_file"`        // Web identity token file, defaults to the platform socket
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
	Endpoint        string `yaml:"endpoint"`          // For S3-compatible services
}

// RecorderConfig holds playback log configuration
type RecorderConfig struct {
	Enabled              bool   `yaml:"enabled"`
	OutputDir            string `yaml:"output_dir"`
	RotateMinutes        int    `yaml:"rotate_minutes"`
	RotateMegabytes      int    `yaml:"rotate_megabytes"`
	BufferSize           int    `yaml:"buffer_size"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"` // Flush and rotation check pace
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	Enabled           bool `yaml:"enabled"`
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	MaxRetries        int  `yaml:"max_retries"`
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are left alone.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load loads configuration from a file. A missing file is not an error; the
// defaults and environment still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PRESSME_API_URL", &cfg.API.URL},
		{"PRESSME_WS_URL", &cfg.API.WebSocketURL},
		{"PRESSME_KEYPAIR", &cfg.Wallet.Keypair},
		{"TWITCH_OAUTH", &cfg.Twitch.OAuth},
		{"AWS_ROLE_ARN", &cfg.S3.RoleARN},
		{"S3_ACCESS_KEY_ID", &cfg.S3.AccessKeyID},
		{"S3_SECRET_ACCESS_KEY", &cfg.S3.SecretAccessKey},
		{"REDIS_URL", &cfg.Auth.RedisURL},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.API.URL == "" {
		cfg.API.URL = "http://localhost:3001/api"
	}
	cfg.API.URL = strings.TrimRight(cfg.API.URL, "/")
	if cfg.API.WebSocketURL == "" {
		cfg.API.WebSocketURL = websocketURL(cfg.API.URL)
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 15
	}
	if cfg.API.MaxRetries == 0 {
		cfg.API.MaxRetries = 3
	}

	if cfg.Overlay.PollIntervalMillis == 0 {
		cfg.Overlay.PollIntervalMillis = 1000
	}
	if cfg.Overlay.HoldMillis == 0 {
		cfg.Overlay.HoldMillis = 5500
	}
	if cfg.Overlay.ReconnectAttempts == 0 {
		cfg.Overlay.ReconnectAttempts = 5
	}
	if cfg.Overlay.ContentMillis == 0 {
		cfg.Overlay.ContentMillis = 5000
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Auth.Store == "" {
		cfg.Auth.Store = "file"
	}
	if cfg.Auth.Dir == "" {
		cfg.Auth.Dir = "./data/session"
	}
	if cfg.Auth.SessionName == "" {
		cfg.Auth.SessionName = "default"
	}

	if cfg.Twitch.Template == "" {
		cfg.Twitch.Template = "{username} donated {amount} SOL ({type})"
	}

	if cfg.Recorder.BufferSize == 0 {
		cfg.Recorder.BufferSize = 100
	}
	if cfg.Recorder.RotateMinutes == 0 {
		cfg.Recorder.RotateMinutes = 60
	}
	if cfg.Recorder.RotateMegabytes == 0 {
		cfg.Recorder.RotateMegabytes = 100
	}
	if cfg.Recorder.OutputDir == "" {
		cfg.Recorder.OutputDir = "./data/playback"
	}
	if cfg.Recorder.CheckIntervalSeconds == 0 {
		cfg.Recorder.CheckIntervalSeconds = 60
	}
	if cfg.Uploader.MaxRetries == 0 {
		cfg.Uploader.MaxRetries = 3
	}
}

// websocketURL derives the event stream address from the REST base URL
func websocketURL(api string) string {
	u := strings.TrimSuffix(api, "/api")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Validate checks the settings of every enabled feature
func (c *Config) Validate() error {
	switch c.Auth.Store {
	case "file":
	case "redis":
		if c.Auth.RedisURL == "" {
			return fmt.Errorf("auth.redis_url is required when auth.store is redis (or set REDIS_URL env var)")
		}
	default:
		return fmt.Errorf("auth.store must be file or redis, got %q", c.Auth.Store)
	}

	if c.Twitch.Enabled {
		if c.Twitch.Username == "" {
			return fmt.Errorf("twitch.username is required")
		}
		if c.Twitch.OAuth == "" {
			return fmt.Errorf("twitch.oauth is required (or set TWITCH_OAUTH env var)")
		}
		if len(c.Twitch.Channels) == 0 {
			return fmt.Errorf("at least one twitch channel is required")
		}
	}

	if c.Uploader.Enabled {
		if !c.Recorder.Enabled {
			return fmt.Errorf("uploader requires recorder.enabled")
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required")
		}
		// Either OIDC role or static credentials required
		if c.S3.RoleARN == "" && c.S3.AccessKeyID == "" {
			return fmt.Errorf("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
		}
		if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
			return fmt.Errorf("s3.secret_access_key is required when using access_key_id")
		}
	}

	return nil
}
