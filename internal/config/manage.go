package config

import "fmt"

// KeyInfo is one row of `chatsync config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective value of every non-secret key.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
		}
	}
	return rows
}

// SetKey validates value against the key's type and persists it in the
// config file.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.kind.parse(value)
	if err != nil {
		return fmt.Errorf("%s must be a %s: %w", key, s.kind, err)
	}
	if s.kind == kindInt {
		return b.Set(key, v)
	}
	return b.Set(key, value)
}

// ValidKeys returns the keys `config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
