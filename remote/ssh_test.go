package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"emulatorwatch/models"
)

type execReply struct {
	stdout string
	stderr string
	status uint32
	delay  time.Duration
}

type testServer struct {
	addr       string
	hostSigner ssh.Signer
	client     ssh.Signer

	mu       sync.Mutex
	commands []string
}

func (s *testServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func startTestServer(t *testing.T, handle func(command string) execReply) *testServer {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")

	srv := &testServer{hostSigner: newSigner(t), client: newSigner(t)}
	clientKey := srv.client.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(clientKey) {
				return nil, errors.New("unknown key")
			}
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(srv.hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	srv.addr = listener.Addr().String()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, config, handle)
		}
	}()
	return srv
}

func (s *testServer) serveConn(conn net.Conn, config *ssh.ServerConfig, handle func(string) execReply) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					if req.WantReply {
						req.Reply(false, nil)
					}
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)

				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()

				go func(command string) {
					reply := handle(command)
					if reply.delay > 0 {
						time.Sleep(reply.delay)
					}
					channel.Write([]byte(reply.stdout))
					channel.Stderr().Write([]byte(reply.stderr))
					channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.status}))
					channel.Close()
				}(payload.Command)
			}
		}()
	}
}

func (s *testServer) host(t *testing.T) models.SSHHost {
	t.Helper()
	hostname, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return models.SSHHost{Alias: "test", Hostname: hostname, User: "tester", Port: p}
}

func TestSessionExecuteCapturesOutputAndExitCode(t *testing.T) {
	srv := startTestServer(t, func(command string) execReply {
		if command == "fail" {
			return execReply{stderr: "boom", status: 3}
		}
		return execReply{stdout: "hello\r\r\n", status: 0}
	})
	session := NewSession(srv.host(t), SessionOptions{
		InsecureIgnoreHostKey: true,
		Signers:               []ssh.Signer{srv.client},
	})
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !session.Connected() {
		t.Fatalf("expected connected session")
	}

	result, err := session.Execute(context.Background(), "echo", 5*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.OK() || string(result.Stdout) != "hello\r\r\n" {
		t.Fatalf("unexpected result: %+v stdout=%q", result, result.Stdout)
	}
	if result.Command != "echo" {
		t.Fatalf("unexpected command echo: %q", result.Command)
	}

	result, err = session.Execute(context.Background(), "fail", 5*time.Second)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if result.OK() || result.ExitCode != 3 || string(result.Stderr) != "boom" {
		t.Fatalf("unexpected failure result: %+v", result)
	}
}

func TestSessionExecuteConcurrentCallsShareConnection(t *testing.T) {
	srv := startTestServer(t, func(command string) execReply {
		return execReply{stdout: command, delay: 20 * time.Millisecond}
	})
	session := NewSession(srv.host(t), SessionOptions{
		InsecureIgnoreHostKey: true,
		Signers:               []ssh.Signer{srv.client},
	})
	defer session.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := "cmd-" + strconv.Itoa(i)
			result, err := session.Execute(context.Background(), cmd, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if string(result.Stdout) != cmd {
				errs <- errors.New("stdout mismatch for " + cmd)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent execute: %v", err)
	}
	if got := len(srv.seen()); got != 8 {
		t.Fatalf("expected 8 commands on the server, got %d", got)
	}
}

func TestSessionExecuteTimeoutReturnsFailureResult(t *testing.T) {
	srv := startTestServer(t, func(command string) execReply {
		return execReply{stdout: "late", delay: 2 * time.Second}
	})
	session := NewSession(srv.host(t), SessionOptions{
		InsecureIgnoreHostKey: true,
		Signers:               []ssh.Signer{srv.client},
	})
	defer session.Close()

	start := time.Now()
	result, err := session.Execute(context.Background(), "slow", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout should be a result, got error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("execute blocked past timeout: %v", elapsed)
	}
	if result.OK() || result.ExitCode != TimeoutExitCode {
		t.Fatalf("expected timeout exit code, got %+v", result)
	}
	if string(result.Stderr) != ErrTimeout.Error() {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
}

func TestSessionConnectFailsForUnreachableHost(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	session := NewSession(models.SSHHost{Alias: "gone", Hostname: "127.0.0.1", Port: addr.Port}, SessionOptions{
		InsecureIgnoreHostKey: true,
		ConnectTimeout:        time.Second,
	})
	err = session.Connect(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if session.Connected() {
		t.Fatalf("session must not report connected")
	}
}

func TestSessionRejectsUnknownHostKey(t *testing.T) {
	srv := startTestServer(t, func(string) execReply { return execReply{} })

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	other := newSigner(t)
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, other.PublicKey())
	if err := os.WriteFile(knownHosts, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	session := NewSession(srv.host(t), SessionOptions{
		KnownHostsPath: knownHosts,
		Signers:        []ssh.Signer{srv.client},
	})
	if err := session.Connect(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected host key mismatch to fail connect, got %v", err)
	}
}

func TestSessionAcceptsKnownHostKey(t *testing.T) {
	srv := startTestServer(t, func(string) execReply { return execReply{stdout: "ok"} })

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostSigner.PublicKey())
	if err := os.WriteFile(knownHosts, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	session := NewSession(srv.host(t), SessionOptions{
		KnownHostsPath: knownHosts,
		Signers:        []ssh.Signer{srv.client},
	})
	defer session.Close()
	result, err := session.Execute(context.Background(), "anything", 5*time.Second)
	if err != nil || string(result.Stdout) != "ok" {
		t.Fatalf("expected lazy connect and success, got %+v, %v", result, err)
	}
}

func TestSessionExecuteAfterCloseIsNotConnected(t *testing.T) {
	srv := startTestServer(t, func(string) execReply { return execReply{stdout: "ok"} })
	session := NewSession(srv.host(t), SessionOptions{
		InsecureIgnoreHostKey: true,
		Signers:               []ssh.Signer{srv.client},
	})
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := session.Execute(context.Background(), "x", time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
