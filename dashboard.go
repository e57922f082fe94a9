package sshhoneypot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

const DEFAULT_COMMAND_LIMIT int = 100

const DASHBOARD_SHUTDOWN_TIMEOUT time.Duration = 10 * time.Second

// server log lines returned by /live
const LIVE_BACKLOG_LINES int = 50

// upper bound on a notify_status body
const MAX_NOTIFY_BODY int64 = 64 * 1024

type dashboardStore interface {
	RecentConnections(ctx context.Context, limit int) ([]ConnectionView, error)
	RecentCommands(ctx context.Context, limit int) ([]CommandView, error)
	CommandUsage(ctx context.Context, limit int) ([]CommandUsage, error)
	LoginAttempts(ctx context.Context, filter LoginAttemptFilter) ([]LoginAttempt, error)
	ConnectionsOverTime(ctx context.Context, bucket string) ([]TimeBucket, error)
	CountOnline(ctx context.Context) (int64, error)
}

// Dashboard is the read side: the query endpoints, the status callback
// from the honeypot, the transcript tail and the websocket push channel.
type Dashboard struct {
	cfg     *Config
	store   dashboardStore
	hub     *Hub
	watcher *TailWatcher
	metrics *Metrics
	log     LoggerInterface
	key     []byte
}

func NewDashboard(cfg *Config, store dashboardStore, log LoggerInterface, metrics *Metrics) *Dashboard {
	dashboard := &Dashboard{
		cfg:     cfg,
		store:   store,
		hub:     NewHub(log, metrics),
		metrics: metrics,
		log:     log,
	}
	if cfg.NotifyKey != "" {
		dashboard.key = []byte(cfg.NotifyKey)
	}
	dashboard.watcher = NewTailWatcher(cfg.TranscriptDir, dashboard.hub.Broadcast, log)
	return dashboard
}

func (dashboard *Dashboard) Hub() *Hub {
	return dashboard.hub
}

func (dashboard *Dashboard) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Post(NOTIFY_STATUS_PATH, dashboard.handleNotifyStatus)
	router.Get("/connections", dashboard.handleConnections)
	router.Get("/commands", dashboard.handleCommands)
	router.Get("/command_usage", dashboard.handleCommandUsage)
	router.Get("/live", dashboard.handleLive)
	router.Get("/login_attempts", dashboard.handleLoginAttempts)
	router.Get("/connections_over_time", dashboard.handleConnectionsOverTime)
	router.Handle("/socket", dashboard.hub)
	if dashboard.metrics != nil {
		router.Handle("/metrics", dashboard.metrics.Handler())
	}
	if dashboard.cfg.StaticDir != "" {
		router.Handle("/*", http.FileServer(http.Dir(dashboard.cfg.StaticDir)))
	}
	return router
}

// Run serves HTTP, tails transcripts and broadcasts the active count until
// ctx is cancelled.
func (dashboard *Dashboard) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(dashboard.cfg.CountSchedule, func() {
		dashboard.broadcastActiveCount(ctx)
	}); err != nil {
		return fmt.Errorf("schedule active count %q: %w", dashboard.cfg.CountSchedule, err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	watch_ctx, cancel_watch := context.WithCancel(ctx)
	defer cancel_watch()
	watch_done := make(chan struct{})
	go func() {
		defer close(watch_done)
		if err := dashboard.watcher.Run(watch_ctx); err != nil {
			dashboard.log.Printf("transcript watcher stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              dashboard.cfg.DashboardAddr,
		Handler:           dashboard.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve_err := make(chan error, 1)
	go func() {
		dashboard.log.Printf("starting dashboard on %v", srv.Addr)
		var err error
		if dashboard.cfg.TLSCert != "" && dashboard.cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(dashboard.cfg.TLSCert, dashboard.cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		serve_err <- err
	}()

	var result error
	select {
	case <-ctx.Done():
	case err := <-serve_err:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("dashboard server: %w", err)
		}
	}

	dashboard.log.Printf("Shutting down dashboard")
	shutdown_ctx, cancel := context.WithTimeout(context.Background(), DASHBOARD_SHUTDOWN_TIMEOUT)
	defer cancel()
	dashboard.hub.Close()
	if err := srv.Shutdown(shutdown_ctx); err != nil {
		dashboard.log.Printf("dashboard shutdown error: %v", err)
	}
	cancel_watch()
	<-watch_done
	return result
}

func (dashboard *Dashboard) broadcastActiveCount(ctx context.Context) {
	count, err := dashboard.store.CountOnline(ctx)
	if err != nil {
		dashboard.log.Printf("error counting online connections: %v", err)
		return
	}
	dashboard.hub.Broadcast(newActiveConnectionsEvent(count))
}

func (dashboard *Dashboard) handleNotifyStatus(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, MAX_NOTIFY_BODY)
	var status StatusNotification
	if dashboard.key != nil {
		var signed signedMessage
		if err := json.NewDecoder(body).Decode(&signed); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := signed.verify(dashboard.key, &status); err != nil {
			dashboard.log.Printf("rejecting status update from %v: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "bad signature")
			return
		}
	} else if err := json.NewDecoder(body).Decode(&status); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if status.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	dashboard.log.Printf("Status update: %v online=%v", status.IP, status.Online)
	dashboard.hub.Broadcast(newStatusEvent(status.IP, status.Online))
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (dashboard *Dashboard) handleConnections(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DEFAULT_QUERY_LIMIT)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := dashboard.store.RecentConnections(r.Context(), limit)
	dashboard.respond(w, rows, err)
}

func (dashboard *Dashboard) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DEFAULT_COMMAND_LIMIT)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := dashboard.store.RecentCommands(r.Context(), limit)
	dashboard.respond(w, rows, err)
}

func (dashboard *Dashboard) handleCommandUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DEFAULT_COMMAND_LIMIT)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := dashboard.store.CommandUsage(r.Context(), limit)
	dashboard.respond(w, rows, err)
}

// handleLive returns the end of the honeypot's server log so a freshly
// connected client has some history before push events arrive.
func (dashboard *Dashboard) handleLive(w http.ResponseWriter, r *http.Request) {
	lines, err := tailLines(dashboard.cfg.ServerLog, LIVE_BACKLOG_LINES)
	if errors.Is(err, os.ErrNotExist) {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	dashboard.respond(w, lines, err)
}

func (dashboard *Dashboard) handleLoginAttempts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, DEFAULT_QUERY_LIMIT)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := LoginAttemptFilter{
		Status: r.URL.Query().Get("status"),
		Sort:   r.URL.Query().Get("sort"),
		Limit:  limit,
	}
	switch filter.Status {
	case "", "all", LOGIN_STATUS_SUCCESS, LOGIN_STATUS_FAILED:
	default:
		writeError(w, http.StatusBadRequest, "status must be success, failed or all")
		return
	}
	switch filter.Sort {
	case "", SORT_NEWEST, SORT_OLDEST:
	default:
		writeError(w, http.StatusBadRequest, "sort must be newest or oldest")
		return
	}
	rows, err := dashboard.store.LoginAttempts(r.Context(), filter)
	dashboard.respond(w, rows, err)
}

func (dashboard *Dashboard) handleConnectionsOverTime(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("group_by")
	switch bucket {
	case "":
		bucket = BUCKET_DAY
	case BUCKET_DAY, BUCKET_HOUR:
	default:
		writeError(w, http.StatusBadRequest, "group_by must be day or hour")
		return
	}
	rows, err := dashboard.store.ConnectionsOverTime(r.Context(), bucket)
	dashboard.respond(w, rows, err)
}

func (dashboard *Dashboard) respond(w http.ResponseWriter, rows interface{}, err error) {
	if err != nil {
		dashboard.log.Printf("dashboard query error: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// tailLines returns up to count trailing lines of the file at path.
func tailLines(path string, count int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ring := make([]string, 0, count)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == count {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %v: %w", path, err)
	}
	return ring, nil
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
