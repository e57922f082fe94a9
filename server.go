package sshhoneypot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// consecutive non-timeout Accept failures tolerated before Serve gives up
const MAX_CONSECUTIVE_ACCEPT_ERRORS int = 10

const ACCEPT_ERROR_BACKOFF time.Duration = 100 * time.Millisecond

// ServerDeps are the collaborators a HoneypotServer hands to its sessions.
// Geo, Notifier and Metrics may be nil.
type ServerDeps struct {
	Gateway  *Gateway
	Ledger   sessionStore
	Geo      *GeoCache
	Notifier *Notifier
	Metrics  *Metrics
	Signer   ssh.Signer
	Log      LoggerInterface
}

// HoneypotServer accepts SSH connections and runs one Session per
// connection in its own goroutine.
type HoneypotServer struct {
	cfg       *Config
	gateway   *Gateway
	ledger    sessionStore
	geo       *GeoCache
	notifier  *Notifier
	metrics   *Metrics
	log       LoggerInterface
	sshConfig *ssh.ServerConfig
	workers   sync.WaitGroup
	mutex     sync.Mutex
	sessions  map[*Session]struct{}
	slots     chan struct{}
}

func NewHoneypotServer(cfg *Config, deps ServerDeps) *HoneypotServer {
	server := &HoneypotServer{
		cfg:      cfg,
		gateway:  deps.Gateway,
		ledger:   deps.Ledger,
		geo:      deps.Geo,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Log,
		sessions: map[*Session]struct{}{},
	}
	if cfg.MaxSessions > 0 {
		server.slots = make(chan struct{}, cfg.MaxSessions)
	}
	server.gateway.SetMetrics(deps.Metrics)
	if server.geo != nil {
		server.geo.SetMetrics(deps.Metrics)
	}

	config := &ssh.ServerConfig{
		MaxAuthTries: 3,
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			source_ip := remoteIP(conn.RemoteAddr())
			server.log.Printf("Got client (%s) using creds (%s:%s)", conn.RemoteAddr(), conn.User(), password)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
			defer cancel()
			decision, _ := server.gateway.Authenticate(ctx, source_ip, conn.User(), string(password))
			if !decision.Accept {
				return nil, ErrAuthRejected
			}
			return &ssh.Permissions{
				Extensions: map[string]string{PERMISSION_EFFECTIVE_USER: decision.EffectiveUsername},
			}, nil
		},
		ServerVersion: cfg.ServerVersion,
	}
	config.AddHostKey(deps.Signer)
	server.sshConfig = config
	return server
}

// ListenAndServe listens on the configured address, and on the metrics
// address when one is set, until ctx is cancelled.
func (server *HoneypotServer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", server.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %v: %w", server.cfg.ListenAddr, err)
	}
	if server.cfg.MetricsAddr != "" && server.metrics != nil {
		metrics_server := &http.Server{Addr: server.cfg.MetricsAddr, Handler: server.metrics.Handler()}
		go func() {
			if err := metrics_server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				server.log.Printf("metrics server error: %v", err)
			}
		}()
		defer metrics_server.Close()
	}
	return server.Serve(ctx, listener)
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Serve accepts connections from listener until ctx is cancelled, then
// closes the listener and waits for every session to finish. A cancelled
// ctx is a clean exit and returns nil.
func (server *HoneypotServer) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	server.log.Printf("Starting honeypot on socket %v", listener.Addr())

	deadline_listener, has_deadline := listener.(deadlineListener)
	if !has_deadline {
		// unblock Accept on shutdown when the listener has no deadlines
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if has_deadline {
			deadline_listener.SetDeadline(time.Now().Add(server.cfg.AcceptTimeout))
		}
		conn, err := listener.Accept()
		if err != nil {
			var net_err net.Error
			if errors.As(err, &net_err) && net_err.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			failures += 1
			server.log.Printf("accept error (%v in a row): %v", failures, err)
			if failures >= MAX_CONSECUTIVE_ACCEPT_ERRORS {
				listener.Close()
				server.log.Printf("giving up on listener; waiting for %v sessions", server.ActiveSessions())
				server.Wait()
				return fmt.Errorf("accept: %w", err)
			}
			time.Sleep(ACCEPT_ERROR_BACKOFF)
			continue
		}
		failures = 0
		server.log.Printf("Connection from %v", conn.RemoteAddr())
		server.handle(ctx, conn)
	}

	// stop taking connections before draining sessions
	listener.Close()
	server.log.Printf("Shutting down server; waiting for %v sessions", server.ActiveSessions())
	server.Wait()
	return nil
}

func (server *HoneypotServer) handle(ctx context.Context, conn net.Conn) {
	if server.slots != nil {
		select {
		case server.slots <- struct{}{}:
		default:
			server.log.Printf("connection limit reached; rejecting %v", conn.RemoteAddr())
			conn.Close()
			return
		}
	}
	session := newSession(server, conn)
	server.mutex.Lock()
	server.sessions[session] = struct{}{}
	server.mutex.Unlock()

	server.background(func() {
		defer func() {
			server.mutex.Lock()
			delete(server.sessions, session)
			server.mutex.Unlock()
			if server.slots != nil {
				<-server.slots
			}
		}()
		if err := session.run(ctx); err != nil {
			server.log.Printf("session from %v ended: %v", session.source_ip, err)
		}
	})
}

// background runs fn on a tracked goroutine. A panic in fn is logged and
// does not take the process down.
func (server *HoneypotServer) background(fn func()) {
	server.workers.Add(1)
	go func() {
		defer server.workers.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				server.log.Printf("recovered from panic: %v\n%s", recovered, debug.Stack())
			}
		}()
		fn()
	}()
}

func (server *HoneypotServer) ActiveSessions() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return len(server.sessions)
}

// Wait blocks until every session and background task has returned.
func (server *HoneypotServer) Wait() {
	server.workers.Wait()
}
