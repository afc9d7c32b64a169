package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigBackend is where `chatsync config set` persists values.
type ConfigBackend interface {
	// Lookup returns the textual form of a stored value.
	Lookup(key string) (raw string, ok bool, err error)
	Set(key string, value any) error
}

// appDir resolves an XDG base directory for chatsync, falling back to
// $HOME/<fallback>.
func appDir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "chatsync"
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, "chatsync")
}

func defaultDataDir() string {
	return appDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return filepath.Join(appDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// fileBackend is a flat JSON object of dotted keys. Numbers and strings are
// both accepted for every key.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		warnf("could not read config file %s: %v; using defaults", path, err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			warnf("could not parse config file %s: %v; using defaults", path, err)
			b.values = map[string]any{}
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch v := v.(type) {
	case string:
		return v, true, nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10), true, nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(v), true, nil
	}
	return "", false, fmt.Errorf("unsupported value %v", v)
}

func (b *fileBackend) Set(key string, value any) error {
	b.values[key] = value

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}
