package sshhoneypot

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type testLogger struct {
	mutex    sync.Mutex
	messages []string
}

func (logger *testLogger) Printf(format string, v ...any) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.messages = append(logger.messages, fmt.Sprintf(format, v...))
}

func (logger *testLogger) Println(v ...any) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.messages = append(logger.messages, fmt.Sprintln(v...))
}

func (logger *testLogger) contains(fragment string) bool {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	for _, message := range logger.messages {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func makeTestConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		ListenAddr:       "127.0.0.1:0",
		ServerVersion:    "SSH-2.0-OpenSSH_7.9p1 Raspbian-10",
		ShellPath:        "/bin/cat",
		TranscriptDir:    t.TempDir(),
		DefaultHome:      "/",
		NotifyTimeout:    time.Second,
		RootAlias:        "nobody",
		AuthBackend:      AUTH_BACKEND_ACCEPT_ALL,
		PAMService:       "honeypot",
		DBDriver:         DB_DRIVER_SQLITE,
		DBPath:           filepath.Join(t.TempDir(), "honeypot.db"),
		GeoMaxAge:        24 * time.Hour,
		GeoTimeout:       time.Second,
		HandshakeTimeout: 5 * time.Second,
		ChannelTimeout:   5 * time.Second,
		AcceptTimeout:    100 * time.Millisecond,
		LogFormat:        LOG_FORMAT_TEXT,
		ServerLog:        filepath.Join(t.TempDir(), "server.log"),
		DashboardAddr:    "127.0.0.1:0",
		CountSchedule:    "@every 1s",
	}
}

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := OpenLedger(makeTestConfig(t))
	if err != nil {
		t.Fatalf("OpenLedger() failed on a temp sqlite database: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

// waitFor polls check until it returns true or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %v", timeout, what)
}
