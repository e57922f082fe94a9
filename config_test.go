package sshhoneypot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() with no settings failed: %v", err)
	}
	if cfg.RootAlias != "froot" || cfg.AuthBackend != AUTH_BACKEND_PAM || cfg.PAMService != "honeypot" {
		t.Errorf("unexpected gateway defaults: %+v", cfg)
	}
	if cfg.AcceptTimeout != 1250*time.Millisecond || cfg.ChannelTimeout != 20*time.Second || cfg.NotifyTimeout != 10*time.Second {
		t.Errorf("unexpected timeout defaults: accept %v channel %v notify %v", cfg.AcceptTimeout, cfg.ChannelTimeout, cfg.NotifyTimeout)
	}
	if cfg.TranscriptDir != "/var/log/analytics" || cfg.CountSchedule != "@every 10s" {
		t.Errorf("unexpected dashboard defaults: %+v", cfg)
	}
}

func TestLoadConfigEnvFileAndUnprefixedNames(t *testing.T) {
	env_file := filepath.Join(t.TempDir(), ".env")
	contents := strings.Join([]string{
		"LOG_DIR=/tmp/transcripts",
		"HONEYPOT_ROOT_ALIAS=decoy",
		"AUTH_BACKEND=accept-all",
		"GEO_MAX_AGE=2h",
	}, "\n")
	if err := os.WriteFile(env_file, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, name := range []string{"LOG_DIR", "HONEYPOT_ROOT_ALIAS", "AUTH_BACKEND", "GEO_MAX_AGE"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	cfg, err := LoadConfig(env_file)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.TranscriptDir != "/tmp/transcripts" {
		t.Errorf("LOG_DIR was not read; got %q", cfg.TranscriptDir)
	}
	if cfg.RootAlias != "decoy" {
		t.Errorf("HONEYPOT_ROOT_ALIAS was not read; got %q", cfg.RootAlias)
	}
	if cfg.AuthBackend != AUTH_BACKEND_ACCEPT_ALL || cfg.GeoMaxAge != 2*time.Hour {
		t.Errorf("env file values were not applied: %+v", cfg)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("a missing env file should be ignored; got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"root alias is root", func(cfg *Config) { cfg.RootAlias = "root" }},
		{"blank root alias", func(cfg *Config) { cfg.RootAlias = "" }},
		{"unknown backend", func(cfg *Config) { cfg.AuthBackend = "ldap" }},
		{"unknown driver", func(cfg *Config) { cfg.DBDriver = "postgres" }},
		{"mysql without host", func(cfg *Config) { cfg.DBDriver = DB_DRIVER_MYSQL }},
		{"cert without key", func(cfg *Config) { cfg.TLSCert = "cert.pem" }},
	}
	for _, test := range tests {
		cfg := makeTestConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("baseline test config is invalid: %v", err)
		}
		test.modify(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate() accepted a config with %v", test.name)
		}
	}
}
