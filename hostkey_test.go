package sshhoneypot

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrGenerateSignerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key", "host.key")
	first, err := LoadOrGenerateSigner(path, &testLogger{})
	if err != nil {
		t.Fatalf("LoadOrGenerateSigner() failed to generate a key: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("generated key was not written to %v: %v", path, err)
	}
	second, err := LoadOrGenerateSigner(path, &testLogger{})
	if err != nil {
		t.Fatalf("LoadOrGenerateSigner() failed to load the persisted key: %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Errorf("reloaded host key differs from the generated one")
	}
}

func TestLoadOrGenerateSignerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.key")
	os.WriteFile(path, []byte("not a key"), 0o600)
	if _, err := LoadOrGenerateSigner(path, &testLogger{}); err == nil {
		t.Fatalf("LoadOrGenerateSigner() accepted an unparsable key file")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	for _, format := range []string{LOG_FORMAT_TEXT, LOG_FORMAT_JSON} {
		path := filepath.Join(t.TempDir(), "logs", "server.log")
		logger, closer, err := NewLogger(path, format)
		if err != nil {
			t.Fatalf("NewLogger(%v) failed: %v", format, err)
		}
		logger.Printf("Connection from %v", "10.0.0.5")
		closer.Close()

		data, _ := os.ReadFile(path)
		if !strings.Contains(string(data), "Connection from 10.0.0.5") {
			t.Errorf("%v logger did not write to %v; got %q", format, path, data)
		}
	}
	if _, _, err := NewLogger("-", "xml"); err == nil {
		t.Errorf("NewLogger() accepted an unknown format")
	}
}
