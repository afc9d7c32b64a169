package main

import (
	"errors"
	"fmt"

	"github.com/kalambet/chatsync/internal/client"
	"github.com/kalambet/chatsync/internal/config"
)

var errNoToken = errors.New("no session token; run `chatsync token --user <id> --save` or set CHATSYNC_USER_TOKEN")

// newAPIClient builds a thread service client from the loaded config.
// Tests replace it to point at an httptest server.
var newAPIClient = func() (*client.Client, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Client.Token == "" {
		return nil, config.Config{}, errNoToken
	}
	return client.New(cfg.Client.BaseURL, cfg.Client.Token), cfg, nil
}

// shortID trims ids for list output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
