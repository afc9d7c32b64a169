package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Proxy     ProxyConfig
	Chat      ChatConfig
	Tokenizer TokenizerConfig
	Sync      SyncConfig
	Worker    WorkerConfig
	Suggest   SuggestConfig
	Storage   StorageConfig
	Client    ClientConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port          int
	SessionSecret string
}

type ProxyConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	TokenLimit   int
}

type ChatConfig struct {
	SystemPrompt string
	Temperature  float64
}

type TokenizerConfig struct {
	Encoding string
}

type SyncConfig struct {
	PollInterval   time.Duration
	HealthInterval time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
	StallTimeout time.Duration
}

type SuggestConfig struct {
	// Model defaults to Proxy.DefaultModel when empty.
	Model string
}

type StorageConfig struct {
	DataDir string
}

type ClientConfig struct {
	BaseURL string
	Token   string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Proxy: ProxyConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openai/gpt-3.5-turbo",
			TokenLimit:   4000,
		},
		Chat: ChatConfig{
			Temperature: 1.0,
		},
		Tokenizer: TokenizerConfig{
			Encoding: "cl100k_base",
		},
		Sync: SyncConfig{
			PollInterval:   2 * time.Second,
			HealthInterval: 15 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			StallTimeout: 2 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Client: ClientConfig{
			BaseURL: "http://127.0.0.1:4100",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/chatsync/config.json, then CHATSYNC_* environment
// variables, then the secrets file for secrets still unset.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: secretsFilePath()})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := layer(&cfg, "config file", fileLookup(b)); err != nil {
		return Config{}, err
	}
	if err := layer(&cfg, "environment", envLookup); err != nil {
		return Config{}, err
	}
	if err := layer(&cfg, "secrets file", secretLookup(&cfg, secrets)); err != nil {
		return Config{}, err
	}

	if cfg.Suggest.Model == "" {
		cfg.Suggest.Model = cfg.Proxy.DefaultModel
	}
	return cfg, nil
}

// ValidateServer reports the settings serve cannot run without.
func (c Config) ValidateServer() error {
	var missing []string
	if c.Proxy.APIKey == "" {
		missing = append(missing, "provider API key (CHATSYNC_API_KEY)")
	}
	if c.Server.SessionSecret == "" {
		missing = append(missing, "session secret (CHATSYNC_SESSION_SECRET)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s; set the environment variables or add them to %s",
			strings.Join(missing, ", "), secretsFilePath())
	}
	if c.Proxy.TokenLimit <= 0 {
		return errors.New("proxy.token_limit must be positive")
	}
	return nil
}
