package sshhoneypot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

type SessionState int

const (
	SESSION_STATE_ACCEPTED SessionState = iota
	SESSION_STATE_AUTHENTICATING
	SESSION_STATE_REJECTED
	SESSION_STATE_AUTHENTICATED
	SESSION_STATE_PTY_ESTABLISHED
	SESSION_STATE_SHELL_RUNNING
	SESSION_STATE_TERMINATING
	SESSION_STATE_CLOSED
)

func (state SessionState) String() string {
	switch state {
	case SESSION_STATE_ACCEPTED:
		return "accepted"
	case SESSION_STATE_AUTHENTICATING:
		return "authenticating"
	case SESSION_STATE_REJECTED:
		return "rejected"
	case SESSION_STATE_AUTHENTICATED:
		return "authenticated"
	case SESSION_STATE_PTY_ESTABLISHED:
		return "pty-established"
	case SESSION_STATE_SHELL_RUNNING:
		return "shell-running"
	case SESSION_STATE_TERMINATING:
		return "terminating"
	case SESSION_STATE_CLOSED:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(state))
}

// how long a shell gets to exit after SIGTERM before it is killed
const SHELL_GRACE_PERIOD time.Duration = 2 * time.Second

// bound on ledger writes made while a session is being torn down
const TEARDOWN_WRITE_TIMEOUT time.Duration = 5 * time.Second

const PERMISSION_EFFECTIVE_USER string = "effective-user"

var ErrNoSessionChannel = errors.New("no session channel opened")

type sessionStore interface {
	CreateConnection(ctx context.Context, ip string, pseudoID string, start time.Time) (*Connection, error)
	CloseConnection(ctx context.Context, id uint, duration int64) error
	AddCommand(ctx context.Context, connectionID uint, text string) error
}

// Session is one accepted TCP connection, from handshake to teardown.
// It is owned by a single goroutine; only State is safe to call from
// elsewhere.
type Session struct {
	server        *HoneypotServer
	net_conn      net.Conn
	source_ip     string
	pseudo_id     string
	username      string
	state_mutex   sync.Mutex
	state         SessionState
	connection    *Connection
	start_time    time.Time
	pty_master    *os.File
	pty_slave     *os.File
	shell         *exec.Cmd
	term          string
	term_rows     uint32
	term_cols     uint32
	resize_mutex  sync.Mutex // guards term and the window size
	command_count atomic.Int64
	input_done    chan struct{}
}

func newSession(server *HoneypotServer, conn net.Conn) *Session {
	return &Session{
		server:    server,
		net_conn:  conn,
		source_ip: remoteIP(conn.RemoteAddr()),
		pseudo_id: uuid.NewString(),
		state:     SESSION_STATE_ACCEPTED,
		term:      "xterm",
	}
}

func (session *Session) State() SessionState {
	session.state_mutex.Lock()
	defer session.state_mutex.Unlock()
	return session.state
}

func (session *Session) setState(state SessionState) {
	session.state_mutex.Lock()
	previous := session.state
	session.state = state
	session.state_mutex.Unlock()
	session.server.log.Printf("session %v (%v): %v -> %v", session.pseudo_id, session.source_ip, previous, state)
}

// run drives the session through its whole life. It always leaves the
// network connection closed.
func (session *Session) run(ctx context.Context) error {
	defer session.net_conn.Close()

	session.setState(SESSION_STATE_AUTHENTICATING)
	session.net_conn.SetDeadline(time.Now().Add(session.server.cfg.HandshakeTimeout))
	// shutdown must not wait out a stalled handshake
	stop_handshake := context.AfterFunc(ctx, func() { session.net_conn.Close() })
	ssh_conn, channels, requests, err := ssh.NewServerConn(session.net_conn, session.server.sshConfig)
	stop_handshake()
	if err != nil {
		session.setState(SESSION_STATE_REJECTED)
		return fmt.Errorf("handshake with %v: %w", session.source_ip, err)
	}
	session.net_conn.SetDeadline(time.Time{})
	defer ssh_conn.Close()
	go ssh.DiscardRequests(requests)

	session.username = ssh_conn.User()
	if ssh_conn.Permissions != nil {
		if effective, ok := ssh_conn.Permissions.Extensions[PERMISSION_EFFECTIVE_USER]; ok {
			session.username = effective
		}
	}
	session.setState(SESSION_STATE_AUTHENTICATED)

	channel, channel_requests, err := session.waitForSessionChannel(ctx, channels)
	if err != nil {
		session.setState(SESSION_STATE_CLOSED)
		return err
	}
	go rejectChannels(channels)

	session.start_time = time.Now()
	session.open(ctx)
	session.server.metrics.sessionStarted()
	defer session.server.metrics.sessionEnded()

	exit_code, err := session.serve(ctx, channel, channel_requests)
	session.teardown(channel, ssh_conn, exit_code)
	return err
}

// waitForSessionChannel accepts the first "session" channel and rejects
// everything else that arrives before it.
func (session *Session) waitForSessionChannel(ctx context.Context, channels <-chan ssh.NewChannel) (ssh.Channel, <-chan *ssh.Request, error) {
	timer := time.NewTimer(session.server.cfg.ChannelTimeout)
	defer timer.Stop()
	for {
		select {
		case new_channel, ok := <-channels:
			if !ok {
				return nil, nil, ErrNoSessionChannel
			}
			if !channelTypeSupported(new_channel.ChannelType()) {
				session.server.log.Printf("rejecting channel type %v from %v", new_channel.ChannelType(), session.source_ip)
				new_channel.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			channel, requests, err := new_channel.Accept()
			if err != nil {
				return nil, nil, fmt.Errorf("accept channel: %w", err)
			}
			return channel, requests, nil
		case <-timer.C:
			session.server.log.Printf("*** Client %v never asked for a channel.", session.source_ip)
			return nil, nil, ErrNoSessionChannel
		case <-ctx.Done():
			return nil, nil, ErrNoSessionChannel
		}
	}
}

// open records the connection and fires the connect notification and the
// geolocation lookup, neither of which the session waits for.
func (session *Session) open(ctx context.Context) {
	connection, err := session.server.ledger.CreateConnection(ctx, session.source_ip, session.pseudo_id, session.start_time)
	if err != nil {
		session.server.log.Printf("error recording connection from %v: %v", session.source_ip, err)
	} else {
		session.connection = connection
		session.server.log.Printf("Connection ID %v created for %v", connection.ID, session.source_ip)
	}

	session.server.background(func() {
		notify_ctx, cancel := context.WithTimeout(context.Background(), session.server.cfg.NotifyTimeout)
		defer cancel()
		session.server.notifier.NotifyStatus(notify_ctx, session.source_ip, true)
	})
	if session.server.geo != nil {
		session.server.background(func() {
			geo_ctx, cancel := context.WithTimeout(context.Background(), session.server.cfg.GeoTimeout*2)
			defer cancel()
			session.server.geo.Resolve(geo_ctx, session.source_ip)
		})
	}
}

// serve handles channel requests, spawns the shell once asked for one and
// pumps bytes until either side goes away. It returns the shell's exit code.
func (session *Session) serve(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) (int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return -1, fmt.Errorf("open pty: %w", err)
	}
	session.pty_master = master
	session.pty_slave = slave
	session.setState(SESSION_STATE_PTY_ESTABLISHED)

	shell_requested := make(chan struct{})
	go session.handleRequests(requests, shell_requested)

	select {
	case <-shell_requested:
	case <-time.After(session.server.cfg.ChannelTimeout):
		return -1, fmt.Errorf("client %v never requested a shell", session.source_ip)
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	if err := session.startShell(); err != nil {
		return -1, err
	}
	session.setState(SESSION_STATE_SHELL_RUNNING)

	extractor := newCommandExtractor(session.recordCommand)
	output_done := make(chan struct{})
	input_done := make(chan struct{})
	session.input_done = input_done
	shell_done := make(chan int, 1)

	go func() {
		defer close(output_done)
		io.Copy(channel, master)
	}()
	go func() {
		defer close(input_done)
		io.Copy(master, newInputTap(channel, extractor))
		if pending := extractor.pending(); pending > 0 {
			session.server.log.Printf("discarding %v unterminated input bytes from %v", pending, session.source_ip)
		}
	}()
	go func() {
		shell_done <- exitCode(session.shell.Wait())
	}()

	exit_code := -1
	select {
	case exit_code = <-shell_done:
		session.server.log.Printf("shell for %v exited with %v", session.source_ip, exit_code)
		// drain whatever the shell wrote last
		select {
		case <-output_done:
		case <-time.After(100 * time.Millisecond):
		}
	case <-output_done:
	case <-input_done:
	case <-ctx.Done():
		session.server.log.Printf("shutting down session for %v", session.source_ip)
	}

	session.setState(SESSION_STATE_TERMINATING)
	if exit_code < 0 {
		exit_code = session.terminateShell(shell_done)
	}
	return exit_code, nil
}

func (session *Session) handleRequests(requests <-chan *ssh.Request, shell_requested chan<- struct{}) {
	shell_started := false
	for request := range requests {
		ok := false
		switch request.Type {
		case "pty-req":
			// string TERM, uint32 cols, uint32 rows, ...
			if len(request.Payload) > 4 {
				termLen := binary.BigEndian.Uint32(request.Payload)
				if uint64(len(request.Payload)) >= 4+uint64(termLen)+8 {
					session.resize_mutex.Lock()
					session.term = string(request.Payload[4 : 4+termLen])
					session.resize_mutex.Unlock()
					width, height := parseDims(request.Payload[4+termLen:])
					session.resize(width, height)
					ok = true
				}
			}
		case "window-change":
			if len(request.Payload) >= 8 {
				width, height := parseDims(request.Payload)
				session.resize(width, height)
				ok = true
			}
		case "env":
			ok = true
		case "shell":
			ok = !shell_started
			if !shell_started {
				shell_started = true
				close(shell_requested)
			}
		default:
			session.server.log.Printf("refusing %v request from %v", request.Type, session.source_ip)
		}
		if request.WantReply {
			request.Reply(ok, nil)
		}
	}
}

func (session *Session) resize(width, height uint32) {
	session.resize_mutex.Lock()
	defer session.resize_mutex.Unlock()
	session.term_cols = width
	session.term_rows = height
	if session.pty_master == nil {
		return
	}
	err := pty.Setsize(session.pty_master, &pty.Winsize{Rows: uint16(height), Cols: uint16(width)})
	if err != nil {
		session.server.log.Printf("error resizing pty for %v: %v", session.source_ip, err)
	}
}

func (session *Session) startShell() error {
	cfg := session.server.cfg
	cmd := exec.Command(cfg.ShellPath)
	cmd.Stdin = session.pty_slave
	cmd.Stdout = session.pty_slave
	cmd.Stderr = session.pty_slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	session.resize_mutex.Lock()
	term := session.term
	session.resize_mutex.Unlock()
	home := homeDirectory(session.username, cfg.DefaultHome)
	cmd.Dir = home
	cmd.Env = append(os.Environ(),
		"TERM="+term,
		"HOME="+home,
		"USER="+session.username,
		"LOGNAME="+session.username,
		"SSH_CLIENT_IP="+session.source_ip,
		"LOG_DIR="+cfg.TranscriptDir,
	)
	if err := dropPrivileges(cmd, session.username); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell %v: %w", cfg.ShellPath, err)
	}
	session.shell = cmd
	// the child holds its own copy of the slave
	session.pty_slave.Close()
	session.pty_slave = nil
	return nil
}

// terminateShell signals the shell's process group and escalates to
// SIGKILL after the grace period.
func (session *Session) terminateShell(shell_done <-chan int) int {
	if session.shell == nil || session.shell.Process == nil {
		return -1
	}
	pid := session.shell.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case code := <-shell_done:
		return code
	case <-time.After(SHELL_GRACE_PERIOD):
	}
	session.server.log.Printf("shell for %v ignored SIGTERM; killing", session.source_ip)
	syscall.Kill(-pid, syscall.SIGKILL)
	return <-shell_done
}

func (session *Session) recordCommand(command string) {
	session.command_count.Add(1)
	session.server.metrics.commandCaptured()
	session.server.log.Printf("Command from %v: %v", session.source_ip, command)
	if session.connection == nil {
		return
	}
	write_ctx, cancel := context.WithTimeout(context.Background(), TEARDOWN_WRITE_TIMEOUT)
	defer cancel()
	if err := session.server.ledger.AddCommand(write_ctx, session.connection.ID, command); err != nil {
		session.server.log.Printf("error recording command from %v: %v", session.source_ip, err)
	}
}

type exitStatusMsg struct {
	Status uint32
}

// teardown runs on every path out of an established session.
func (session *Session) teardown(channel ssh.Channel, ssh_conn *ssh.ServerConn, exit_code int) {
	if session.State() != SESSION_STATE_TERMINATING {
		session.setState(SESSION_STATE_TERMINATING)
	}
	if exit_code < 0 {
		exit_code = 255
	}
	channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(exit_code)}))
	channel.Close()
	if session.pty_master != nil {
		session.pty_master.Close()
	}
	if session.pty_slave != nil {
		session.pty_slave.Close()
	}
	ssh_conn.Close()
	// a command still being recorded must land before the row goes offline
	if session.input_done != nil {
		select {
		case <-session.input_done:
		case <-time.After(TEARDOWN_WRITE_TIMEOUT):
			session.server.log.Printf("input from %v still pending at teardown", session.source_ip)
		}
	}

	duration := int64(time.Since(session.start_time) / time.Second)
	if session.connection != nil {
		write_ctx, cancel := context.WithTimeout(context.Background(), TEARDOWN_WRITE_TIMEOUT)
		err := session.server.ledger.CloseConnection(write_ctx, session.connection.ID, duration)
		cancel()
		if err != nil {
			session.server.log.Printf("error closing connection %v: %v", session.connection.ID, err)
		}
	}
	session.server.log.Printf("User with IP %v disconnected after %v seconds, executing %v commands.", session.source_ip, duration, session.command_count.Load())

	notify_ctx, cancel := context.WithTimeout(context.Background(), session.server.cfg.NotifyTimeout)
	session.server.notifier.NotifyStatus(notify_ctx, session.source_ip, false)
	cancel()
	session.setState(SESSION_STATE_CLOSED)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit_err *exec.ExitError
	if errors.As(err, &exit_err) {
		if code := exit_err.ExitCode(); code >= 0 {
			return code
		}
		// killed by a signal
		return 128 + int(exit_err.Sys().(syscall.WaitStatus).Signal())
	}
	return 255
}

func rejectChannels(channels <-chan ssh.NewChannel) {
	for new_channel := range channels {
		new_channel.Reject(ssh.Prohibited, "only one session per connection")
	}
}

func remoteIP(addr net.Addr) string {
	if tcp_addr, ok := addr.(*net.TCPAddr); ok {
		return tcp_addr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func channelTypeSupported(channelType string) bool {
	switch channelType {
	case
		"session":
		return true
	}
	return false
}

// parseDims extracts two uint32s from the provided buffer.
func parseDims(b []byte) (uint32, uint32) {
	w := binary.BigEndian.Uint32(b)
	h := binary.BigEndian.Uint32(b[4:])
	return w, h
}
