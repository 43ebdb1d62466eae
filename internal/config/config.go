// Package config manages persistent user preferences for the sendspin
// client. Settings are stored as JSON at os.UserConfigDir()/sendspin/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all persistent user preferences relevant to the playback
// core. The core itself never reads these directly — the control layer
// reads them at startup and pushes values into the engine through its
// control-context API.
type Config struct {
	OutputDeviceID int           `json:"output_device_id"`
	StaticDelayMs  int           `json:"static_delay_ms"`
	PlayerVolume   int           `json:"player_volume"`
	PlayerMuted    bool          `json:"player_muted"`
	Servers        []ServerEntry `json:"servers"`
}

// ServerEntry is a saved server the user can connect to.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		OutputDeviceID: -1,
		StaticDelayMs:  0,
		PlayerVolume:   100,
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:4433"},
		},
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sendspin", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// bootstrapServers is the shape of an optional YAML file listing known
// servers, read once on first run (when no config.json exists yet) so a
// deployment can ship a fleet of default servers without hand-editing JSON.
type bootstrapServers struct {
	Servers []ServerEntry `yaml:"servers"`
}

// LoadBootstrapServers reads a YAML file of known servers from path and
// returns the entries it contains. A missing or malformed file yields a
// nil slice, never an error the caller must act on beyond logging.
func LoadBootstrapServers(path string) ([]ServerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed bootstrapServers
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed.Servers, nil
}
