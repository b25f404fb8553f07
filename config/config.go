// Package config loads the JSON configuration file at
// $HOME/.theseus/theseus_config (overridable via $THESEUSHOME), merging it
// over a set of defaults the way original_source/theseus/config.py does:
// a partial file only overrides the keys it sets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the config file's name within the theseus home directory.
const FileName = "theseus_config"

// Config is the recognized set of configuration keys.
type Config struct {
	ConfigVersion   string `json:"config_version"`
	ProtocolVersion string `json:"protocol_version"`
	ListenPortRange [2]int `json:"listen_port_range"`
	PortsToAvoid    []int  `json:"ports_to_avoid"`
}

// Default returns the built-in defaults applied before any file is merged
// in.
func Default() *Config {
	return &Config{
		ConfigVersion:   "1",
		ProtocolVersion: "1",
		ListenPortRange: [2]int{10000, 20000},
		PortsToAvoid:    []int{0},
	}
}

// Home resolves the theseus home directory: $THESEUSHOME if set, else
// $HOME/.theseus.
func Home() (string, error) {
	if h := os.Getenv("THESEUSHOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".theseus"), nil
}

// Load reads and merges the config file under home (or, if home is "",
// under the directory Home resolves). A missing file is not an error: it
// simply yields the defaults.
func Load(home string) (*Config, error) {
	cfg := Default()
	if home == "" {
		h, err := Home()
		if err != nil {
			return nil, err
		}
		home = h
	}
	path := filepath.Join(home, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.ListenPortRange[0] <= 0 || c.ListenPortRange[1] <= 0 {
		return errors.New("config: listen_port_range must be positive")
	}
	if c.ListenPortRange[0] > c.ListenPortRange[1] {
		return errors.New("config: listen_port_range must be low <= high")
	}
	for _, p := range c.PortsToAvoid {
		if p < 0 || p > 65535 {
			return fmt.Errorf("config: invalid port in ports_to_avoid: %d", p)
		}
	}
	return nil
}
