package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rudyberends/sendspin-cli/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.PlayerVolume != 100 {
		t.Errorf("expected player volume 100, got %d", cfg.PlayerVolume)
	}
	if cfg.OutputDeviceID != -1 {
		t.Error("expected output device to default to -1")
	}
	if cfg.StaticDelayMs != 0 {
		t.Errorf("expected static delay 0, got %d", cfg.StaticDelayMs)
	}
	if cfg.PlayerMuted {
		t.Error("expected muted false by default")
	}
	if len(cfg.Servers) == 0 {
		t.Error("expected at least one default server")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		OutputDeviceID: 3,
		StaticDelayMs:  120,
		PlayerVolume:   42,
		PlayerMuted:    true,
		Servers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:8443"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.OutputDeviceID != cfg.OutputDeviceID {
		t.Errorf("output device: want %d got %d", cfg.OutputDeviceID, loaded.OutputDeviceID)
	}
	if loaded.StaticDelayMs != cfg.StaticDelayMs {
		t.Errorf("static delay: want %d got %d", cfg.StaticDelayMs, loaded.StaticDelayMs)
	}
	if loaded.PlayerVolume != cfg.PlayerVolume {
		t.Errorf("volume: want %d got %d", cfg.PlayerVolume, loaded.PlayerVolume)
	}
	if loaded.PlayerMuted != cfg.PlayerMuted {
		t.Errorf("muted: want %v got %v", cfg.PlayerMuted, loaded.PlayerMuted)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Addr != "192.168.1.10:8443" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.PlayerVolume == 0 {
		t.Error("expected non-zero default volume")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "sendspin", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.PlayerVolume != 100 {
		t.Errorf("expected default volume on corrupt file, got %d", cfg.PlayerVolume)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "sendspin", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadBootstrapServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	yaml := "servers:\n  - name: Kitchen\n    addr: kitchen.local:4433\n  - name: Studio\n    addr: studio.local:4433\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := config.LoadBootstrapServers(path)
	if err != nil {
		t.Fatalf("LoadBootstrapServers: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "Kitchen" || entries[0].Addr != "kitchen.local:4433" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
}

func TestLoadBootstrapServersMissingFile(t *testing.T) {
	if _, err := config.LoadBootstrapServers(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing bootstrap file")
	}
}
