package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
nick: nettle
server: irc.libera.chat
port: 6697
use_tls: true
channels:
  - "#mycology"
  - "#nettle-test"
admins:
  - "opal!opal@user/opal"
features:
  "#mycology":
    - ".ping"
    - ".sed"
    - ".tell"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("NETTLE_SASL_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Nick != "nettle" {
		t.Errorf("nick: got %q", cfg.Nick)
	}
	if cfg.SASLUser != "nettle" {
		t.Errorf("sasl_user should default to nick, got %q", cfg.SASLUser)
	}
	if cfg.SASLPass != "hunter2" {
		t.Errorf("sasl password not taken from environment")
	}
	if len(cfg.Channels) != 2 {
		t.Errorf("expected 2 channels, got %d", len(cfg.Channels))
	}
	if cfg.DispatchAddr != "127.0.0.1:8888" {
		t.Errorf("dispatch_addr default wrong: %q", cfg.DispatchAddr)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir default wrong: %q", cfg.DataDir)
	}
}

func TestLoadMissingNick(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: irc.example.net\n")); err == nil {
		t.Error("expected error for missing nick")
	}
}

func TestFeatureEnabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.FeatureEnabled("#mycology", ".sed") {
		t.Error(".sed should be enabled in #mycology")
	}
	if cfg.FeatureEnabled("#mycology", ".weather") {
		t.Error(".weather should not be enabled in #mycology")
	}
	if cfg.FeatureEnabled("#nettle-test", ".ping") {
		t.Error("no features configured for #nettle-test")
	}
}

func TestIsAdmin(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.IsAdmin("opal!opal@user/opal") {
		t.Error("expected full hostmask to be admin")
	}
	// Nickname alone must not be enough.
	if cfg.IsAdmin("opal") {
		t.Error("bare nick should not match the admin list")
	}
}
