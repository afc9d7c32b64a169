package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(service, account string) (string, error) {
	if service != secretsService {
		return "", errors.New("unknown service")
	}
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

// clearEnv unsets every CHATSYNC_* variable for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Proxy.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("Proxy.BaseURL = %q", cfg.Proxy.BaseURL)
	}
	if cfg.Proxy.DefaultModel != "openai/gpt-3.5-turbo" {
		t.Errorf("Proxy.DefaultModel = %q", cfg.Proxy.DefaultModel)
	}
	if cfg.Proxy.TokenLimit != 4000 {
		t.Errorf("Proxy.TokenLimit = %d, want 4000", cfg.Proxy.TokenLimit)
	}
	if cfg.Chat.Temperature != 1.0 {
		t.Errorf("Chat.Temperature = %v, want 1.0", cfg.Chat.Temperature)
	}
	if cfg.Tokenizer.Encoding != "cl100k_base" {
		t.Errorf("Tokenizer.Encoding = %q", cfg.Tokenizer.Encoding)
	}
	if cfg.Sync.PollInterval != 2*time.Second || cfg.Sync.HealthInterval != 15*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond || cfg.Worker.StallTimeout != 2*time.Minute {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Suggest.Model != cfg.Proxy.DefaultModel {
		t.Errorf("Suggest.Model = %q, want the default model", cfg.Suggest.Model)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestFileParsing verifies that typed fields are read from the JSON file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "proxy.default_model": "openai/gpt-4o",
  "proxy.token_limit": "8000",
  "chat.temperature": "0.2",
  "sync.poll_interval": "750ms",
  "worker.stall_timeout": "5m",
  "suggest.model": "openai/gpt-4o-mini"
}`)

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Proxy.DefaultModel != "openai/gpt-4o" || cfg.Proxy.TokenLimit != 8000 {
		t.Errorf("Proxy = %+v", cfg.Proxy)
	}
	if cfg.Chat.Temperature != 0.2 {
		t.Errorf("Chat.Temperature = %v, want 0.2", cfg.Chat.Temperature)
	}
	if cfg.Sync.PollInterval != 750*time.Millisecond {
		t.Errorf("Sync.PollInterval = %v", cfg.Sync.PollInterval)
	}
	if cfg.Worker.StallTimeout != 5*time.Minute {
		t.Errorf("Worker.StallTimeout = %v", cfg.Worker.StallTimeout)
	}
	if cfg.Suggest.Model != "openai/gpt-4o-mini" {
		t.Errorf("Suggest.Model = %q", cfg.Suggest.Model)
	}
}

func TestFileParsing_BadValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"sync.poll_interval": "soon", "chat.temperature": "hot"}`)

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sync.PollInterval != 2*time.Second {
		t.Errorf("Sync.PollInterval = %v, want default", cfg.Sync.PollInterval)
	}
	if cfg.Chat.Temperature != 1.0 {
		t.Errorf("Chat.Temperature = %v, want default", cfg.Chat.Temperature)
	}
}

func TestFileParsing_FractionalIntegerIgnored(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 1.5, "proxy.token_limit": 8000}`), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
	if cfg.Proxy.TokenLimit != 8000 {
		t.Errorf("Proxy.TokenLimit = %d, want 8000", cfg.Proxy.TokenLimit)
	}
}

func TestFileParsing_NonScalarValue(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(writeTempConfig(t, `{"server.port": {"value": 5000}}`), mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Fatalf("err = %v, want an error naming server.port", err)
	}
}

func TestEnvOverride_UnparsableKeepsFileValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATSYNC_SERVER_PORT", "eighty")

	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 5000}`), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "sync.health_interval": "20s"}`)

	t.Setenv("CHATSYNC_SERVER_PORT", "6000")
	t.Setenv("CHATSYNC_SYNC_HEALTH_INTERVAL", "30s")
	t.Setenv("CHATSYNC_API_KEY", "env-key")

	cfg, err := loadWith(b, mockSecrets{"api_key": "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Sync.HealthInterval != 30*time.Second {
		t.Errorf("Sync.HealthInterval = %v, want 30s", cfg.Sync.HealthInterval)
	}
	if cfg.Proxy.APIKey != "env-key" {
		t.Errorf("Proxy.APIKey = %q, want env-key", cfg.Proxy.APIKey)
	}
}

func TestSecretsFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{
		"api_key":        "file-key",
		"session_secret": "s3cret",
		"user_token":     "tok",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.APIKey != "file-key" || cfg.Server.SessionSecret != "s3cret" || cfg.Client.Token != "tok" {
		t.Errorf("secrets not applied: %+v %+v %+v", cfg.Proxy, cfg.Server, cfg.Client)
	}
}

// TestSecretsIgnoredInConfigFile verifies secrets are never read from the plain config file.
func TestSecretsIgnoredInConfigFile(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{"proxy.api_key": "leaked"}`), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.APIKey != "" {
		t.Errorf("Proxy.APIKey = %q, want empty", cfg.Proxy.APIKey)
	}
}

func TestValidateServer(t *testing.T) {
	cfg := defaults()
	err := cfg.ValidateServer()
	if err == nil {
		t.Fatal("expected error for missing secrets")
	}
	for _, want := range []string{"missing required config", "CHATSYNC_API_KEY", "CHATSYNC_SESSION_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err.Error(), want)
		}
	}

	cfg.Proxy.APIKey = "k"
	cfg.Server.SessionSecret = "s"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Proxy.TokenLimit = 0
	if err := cfg.ValidateServer(); err == nil {
		t.Error("expected error for a zero token limit")
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")

	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server.port", "4200", false},
		{"server.port", "abc", true},
		{"chat.temperature", "0.7", false},
		{"chat.temperature", "warm", true},
		{"sync.poll_interval", "3s", false},
		{"sync.poll_interval", "3", true},
		{"proxy.api_key", "k", true},
		{"no.such.key", "v", true},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("setKey(%q, %q) err = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}

	reloaded := newFileBackend(b.path)
	if v, ok, _ := reloaded.Lookup("server.port"); !ok || v != "4200" {
		t.Errorf("server.port = %q (ok=%v), want 4200", v, ok)
	}
	if _, isNumber := reloaded.values["server.port"].(float64); !isNumber {
		t.Errorf("server.port stored as %T, want a JSON number", reloaded.values["server.port"])
	}
	if v, ok, _ := reloaded.Lookup("sync.poll_interval"); !ok || v != "3s" {
		t.Errorf("sync.poll_interval = %q (ok=%v)", v, ok)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Proxy.APIKey = "hidden"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "hidden") {
			t.Errorf("secret shown under %s", k.Key)
		}
		if k.Key == "sync.poll_interval" && k.Value != "2s" {
			t.Errorf("sync.poll_interval shown as %q", k.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "proxy.api_key" || k == "server.session_secret" || k == "client.token" {
			t.Errorf("ValidKeys lists secret %s", k)
		}
	}
}

func TestSecretsFile_RoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "nested", "secrets.json")}

	if _, err := f.Get(secretsService, "user_token"); err == nil {
		t.Fatal("expected error before the file exists")
	}
	if err := f.Set(secretsService, "user_token", "tok-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set(secretsService, "api_key", "key-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := f.Get(secretsService, "user_token")
	if err != nil || got != "tok-1" {
		t.Errorf("Get = %q, %v", got, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}
