/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// New returns a TOML-backed loader. Config() yields a defaulted,
// validated ServerConfig every time Load succeeds.
func New() *TOML {
	return &TOML{config: make(chan ServerConfig, 1)}
}

// TOML loads and validates a ServerConfig from a TOML file on disk.
type TOML struct {
	config chan ServerConfig
}

// Load reads path, decodes it over a defaulted ServerConfig, validates the
// result and publishes it on Config(). A bad config never reaches Config().
func (t *TOML) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed reading %s: %w", path, err)
	}
	cfg, err := t.Unmarshal(data)
	if err != nil {
		return err
	}
	select {
	case <-t.config:
	default:
	}
	t.config <- cfg
	return nil
}

// Unmarshal decodes raw TOML bytes into a defaulted, validated ServerConfig.
func (t *TOML) Unmarshal(data []byte) (ServerConfig, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: failed to parse TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Config returns the channel new configs are published on.
func (t *TOML) Config() chan ServerConfig {
	return t.config
}
