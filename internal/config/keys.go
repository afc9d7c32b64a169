package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// kind is the type a key's textual value parses into.
type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindDuration
)

func (k kind) String() string {
	switch k {
	case kindInt:
		return "integer"
	case kindFloat:
		return "number"
	case kindDuration:
		return "duration"
	}
	return "string"
}

func (k kind) parse(raw string) (any, error) {
	switch k {
	case kindInt:
		return strconv.Atoi(raw)
	case kindFloat:
		return strconv.ParseFloat(raw, 64)
	case kindDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

type keySpec struct {
	key     string
	kind    kind
	env     string
	secret  bool
	account string // secrets file entry for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", kind: kindInt, env: "CHATSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.session_secret", kind: kindString, env: "CHATSYNC_SESSION_SECRET",
		secret: true, account: "session_secret",
		apply:   func(cfg *Config, v any) { cfg.Server.SessionSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.SessionSecret },
	},
	{
		key: "proxy.api_key", kind: kindString, env: "CHATSYNC_API_KEY",
		secret: true, account: "api_key",
		apply:   func(cfg *Config, v any) { cfg.Proxy.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.APIKey },
	},
	{
		key: "proxy.base_url", kind: kindString, env: "CHATSYNC_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.default_model", kind: kindString, env: "CHATSYNC_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "proxy.token_limit", kind: kindInt, env: "CHATSYNC_PROXY_TOKEN_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Proxy.TokenLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Proxy.TokenLimit },
	},
	{
		key: "chat.system_prompt", kind: kindString, env: "CHATSYNC_CHAT_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Chat.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.SystemPrompt },
	},
	{
		key: "chat.temperature", kind: kindFloat, env: "CHATSYNC_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "tokenizer.encoding", kind: kindString, env: "CHATSYNC_TOKENIZER_ENCODING",
		apply:   func(cfg *Config, v any) { cfg.Tokenizer.Encoding = v.(string) },
		extract: func(cfg Config) any { return cfg.Tokenizer.Encoding },
	},
	{
		key: "sync.poll_interval", kind: kindDuration, env: "CHATSYNC_SYNC_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PollInterval },
	},
	{
		key: "sync.health_interval", kind: kindDuration, env: "CHATSYNC_SYNC_HEALTH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.HealthInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.HealthInterval },
	},
	{
		key: "worker.poll_interval", kind: kindDuration, env: "CHATSYNC_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.stall_timeout", kind: kindDuration, env: "CHATSYNC_WORKER_STALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.StallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.StallTimeout },
	},
	{
		key: "suggest.model", kind: kindString, env: "CHATSYNC_SUGGEST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Suggest.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Suggest.Model },
	},
	{
		key: "storage.data_dir", kind: kindString, env: "CHATSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "client.base_url", kind: kindString, env: "CHATSYNC_CLIENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BaseURL },
	},
	{
		key: "client.token", kind: kindString, env: "CHATSYNC_USER_TOKEN",
		secret: true, account: "user_token",
		apply:   func(cfg *Config, v any) { cfg.Client.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Token },
	},
	{
		key: "log.level", kind: kindString, env: "CHATSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	i := slices.IndexFunc(specs, func(s keySpec) bool { return s.key == key })
	if i < 0 {
		return keySpec{}, false
	}
	return specs[i], true
}

// rawLookup returns the textual value a source holds for a key.
type rawLookup func(s keySpec) (raw string, ok bool, err error)

// layer applies one source over cfg. Values that do not parse are reported
// and leave the earlier value in place.
func layer(cfg *Config, origin string, lookup rawLookup) error {
	for _, s := range specs {
		raw, ok, err := lookup(s)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", origin, s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.kind.parse(raw)
		if err != nil {
			warnf("ignoring %s value %s=%q: not a valid %s", origin, s.key, raw, s.kind)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func fileLookup(b ConfigBackend) rawLookup {
	return func(s keySpec) (string, bool, error) {
		if s.secret {
			return "", false, nil
		}
		return b.Lookup(s.key)
	}
}

func envLookup(s keySpec) (string, bool, error) {
	v, ok := os.LookupEnv(s.env)
	return v, ok, nil
}

// secretLookup fills secrets the file and environment left empty.
func secretLookup(cfg *Config, secrets secretStore) rawLookup {
	return func(s keySpec) (string, bool, error) {
		if !s.secret || s.extract(*cfg) != "" {
			return "", false, nil
		}
		v, err := secrets.Get(secretsService, s.account)
		return v, err == nil, nil
	}
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] %s\n", fmt.Sprintf(format, args...))
}
