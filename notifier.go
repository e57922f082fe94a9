package sshhoneypot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const NOTIFY_STATUS_PATH string = "/notify_status"

// StatusNotification is the body of a connect/disconnect callback.
type StatusNotification struct {
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

// Notifier tells the dashboard about sessions coming and going.
// Calls are fire-and-forget: failures are logged and never retried.
type Notifier struct {
	url    string
	key    []byte
	client *http.Client
	log    LoggerInterface
}

func NewNotifier(dashboardURL string, key string, timeout time.Duration, log LoggerInterface) *Notifier {
	notifier := &Notifier{
		url:    strings.TrimSuffix(dashboardURL, "/") + NOTIFY_STATUS_PATH,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
	if key != "" {
		notifier.key = []byte(key)
	}
	return notifier
}

func (notifier *Notifier) NotifyStatus(ctx context.Context, ip string, online bool) {
	if notifier == nil {
		return
	}
	if err := notifier.post(ctx, StatusNotification{IP: ip, Online: online}); err != nil {
		notifier.log.Printf("Error notifying status update: %v", err)
	}
}

func (notifier *Notifier) post(ctx context.Context, status StatusNotification) error {
	var body interface{} = status
	if notifier.key != nil {
		signed, err := signMessage(status, notifier.key)
		if err != nil {
			return fmt.Errorf("sign notification: %w", err)
		}
		body = signed
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := notifier.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dashboard replied %s", resp.Status)
	}
	return nil
}
