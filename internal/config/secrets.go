package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretsService = "chatsync"

// secretStore reads secrets that never live in the config file.
type secretStore interface {
	Get(service, account string) (string, error)
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// secretsFile keeps secrets as {service: {account: value}} in a 0600 file.
type secretsFile struct {
	path string
}

func (f secretsFile) Get(service, account string) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (f secretsFile) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(f.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// SaveUserToken stores the session token used by the client commands.
func SaveUserToken(token string) error {
	return secretsFile{path: secretsFilePath()}.Set(secretsService, "user_token", token)
}
