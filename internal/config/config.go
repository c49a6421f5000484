package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string `json:"serverAddress"`
	DatabasePath  string `json:"databasePath"`
	DatabaseURL   string `json:"databaseUrl"`
	Client        Client `json:"client"`
	Sync          Sync   `json:"sync"`
}

// Client configuration: how a sync client reaches the Data Service.
type Client struct {
	BaseURL      string `json:"baseUrl"`
	WebSocketURL string `json:"webSocketUrl"`
	ActorID      string `json:"actorId"`
	StorePath    string `json:"storePath"`
}

// Sync tuning knobs. Zero values fall back to the sync core defaults.
type Sync struct {
	PageSize            int `json:"pageSize"`
	RetryAttempts       int `json:"retryAttempts"`
	RetryBackoffMillis  int `json:"retryBackoffMillis"`
	SnapshotTTLSeconds  int `json:"snapshotTtlSeconds"`
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
}

// RetryBackoff returns the configured backoff as a duration.
func (s Sync) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMillis) * time.Millisecond
}

// SnapshotTTL returns the configured snapshot TTL as a duration.
func (s Sync) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLSeconds) * time.Second
}

// PollInterval returns the degraded-mode poll cadence as a duration.
func (s Sync) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "feedsync.db",
		Client: Client{
			BaseURL:      "http://localhost:5000",
			WebSocketURL: "ws://localhost:5000/api/ws",
			StorePath:    "feedsync-client.db",
		},
		Sync: Sync{
			PageSize:            20,
			RetryAttempts:       3,
			RetryBackoffMillis:  250,
			SnapshotTTLSeconds:  300,
			PollIntervalSeconds: 15,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if baseURL := os.Getenv("FEEDSYNC_BASE_URL"); baseURL != "" {
		cfg.Client.BaseURL = baseURL
	}
	if wsURL := os.Getenv("FEEDSYNC_WS_URL"); wsURL != "" {
		cfg.Client.WebSocketURL = wsURL
	}
	if actor := os.Getenv("FEEDSYNC_ACTOR_ID"); actor != "" {
		cfg.Client.ActorID = actor
	}
	if storePath := os.Getenv("FEEDSYNC_STORE_PATH"); storePath != "" {
		cfg.Client.StorePath = storePath
	}
	if pageSize := os.Getenv("FEEDSYNC_PAGE_SIZE"); pageSize != "" {
		if n, err := strconv.Atoi(pageSize); err == nil && n > 0 {
			cfg.Sync.PageSize = n
		}
	}
	if poll := os.Getenv("FEEDSYNC_POLL_INTERVAL_SECONDS"); poll != "" {
		if n, err := strconv.Atoi(poll); err == nil && n > 0 {
			cfg.Sync.PollIntervalSeconds = n
		}
	}

	return cfg, nil
}
