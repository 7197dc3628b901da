package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"emulatorwatch/models"
)

// SessionOptions tunes how a Session connects.
type SessionOptions struct {
	ConnectTimeout time.Duration
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	// Signers are tried before ssh-agent and the host's identity file.
	Signers []ssh.Signer
	Logger  *slog.Logger
}

// Session is one SSH connection to a host. Every Execute call opens its
// own channel on the shared connection, so workers can run commands
// concurrently.
type Session struct {
	host models.SSHHost
	opts SessionOptions
	log  *slog.Logger

	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
	closed    bool
}

// NewSession creates an unconnected session for host.
func NewSession(host models.SSHHost, opts SessionOptions) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if host.Port == 0 {
		host.Port = 22
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		host: host,
		opts: opts,
		log:  logger.With("host", host.Alias),
	}
}

// Host returns the host this session targets.
func (s *Session) Host() models.SSHHost {
	return s.host
}

// Connected reports whether the SSH connection is established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Connect dials the host and authenticates. It is a no-op when already
// connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	s.closed = false

	hostKeyCallback, err := s.hostKeyCallback()
	if err != nil {
		return err
	}

	auth, agentConn := s.authMethods()
	config := &ssh.ClientConfig{
		User:            s.username(),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(s.host.Hostname, strconv.Itoa(s.host.Port))
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		closeQuietly(agentConn)
		return fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}

	// The handshake has no context; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		closeQuietly(agentConn)
		return fmt.Errorf("%w: ssh handshake with %s: %v", ErrUnreachable, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(clientConn, chans, reqs)
	s.agentConn = agentConn
	s.log.Info("ssh connected", "addr", addr, "user", config.User)
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	closeQuietly(s.agentConn)
	s.client = nil
	s.agentConn = nil
	s.log.Info("ssh disconnected")
	return err
}

// Execute runs command on the host. A command still running after timeout
// is signalled and abandoned; the result then carries TimeoutExitCode.
func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (models.RunResult, error) {
	failed := models.RunResult{Command: command, ExitCode: TimeoutExitCode}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return failed, err
	}

	session, err := client.NewSession()
	if err != nil {
		return failed, fmt.Errorf("%w: open channel: %v", ErrUnreachable, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return failed, fmt.Errorf("%w: start command: %v", ErrUnreachable, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		return exitResult(command, stdout.Bytes(), stderr.Bytes(), err)
	case <-deadline:
		_ = session.Signal(ssh.SIGKILL)
		s.log.Warn("remote command timed out", "command", command, "timeout", timeout)
		return timeoutResult(command), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return failed, ctx.Err()
	}
}

func (s *Session) ensureClient(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.closed {
		return nil, ErrNotConnected
	}
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.client, nil
}

func exitResult(command string, stdout, stderr []byte, err error) (models.RunResult, error) {
	result := models.RunResult{Command: command, Stdout: stdout, Stderr: stderr}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		result.ExitCode = TimeoutExitCode
		return result, nil
	}
	result.ExitCode = TimeoutExitCode
	return result, fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func (s *Session) username() string {
	if s.host.User != "" {
		return s.host.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func (s *Session) authMethods() ([]ssh.AuthMethod, net.Conn) {
	var methods []ssh.AuthMethod
	if len(s.opts.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(s.opts.Signers...))
	}

	var agentConn net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			s.log.Debug("ssh-agent unavailable", "error", err)
		} else {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if s.host.IdentityFile != "" {
		signer, err := loadIdentity(s.host.IdentityFile)
		if err != nil {
			s.log.Warn("identity file unusable", "path", s.host.IdentityFile, "error", err)
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	return methods, agentConn
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.opts.KnownHostsPath
	if path == "" {
		path = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return callback, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(raw)
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func closeQuietly(c net.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
