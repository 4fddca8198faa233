package tcs

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tcsuser"
	testPassword = "tcspass"
)

// testSSHServer is an in-process sshd speaking just enough of the protocol for
// the pool: password auth, exec requests with a tiny command language, and
// global keepalive requests.
type testSSHServer struct {
	Host string
	Port uint32

	listener  net.Listener
	dialCount int64
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(private)
	if err != nil {
		t.Fatalf("creating host signer: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	host, portString, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting listener addr: %v", err)
	}
	port, _ := strconv.Atoi(portString)

	srv := &testSSHServer{
		Host:     host,
		Port:     uint32(port),
		listener: listener,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&srv.dialCount, 1)
			go srv.handleConn(conn, serverConfig)
		}
	}()

	return srv
}

// DialCount reports how many TCP connections the server accepted.
func (s *testSSHServer) DialCount() int64 {
	return atomic.LoadInt64(&s.dialCount)
}

func (s *testSSHServer) Close() {
	_ = s.listener.Close()
}

func (s *testSSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {

	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer serverConn.Close()

	// Replies false to keepalives, which is all a liveness round trip needs.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSessionRequests(channel, requests)
	}
}

func handleSessionRequests(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			status := runFakeCommand(channel, payload.Command)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runFakeCommand interprets the tiny command language the tests use:
// "echo X", "exit N", "stderr X" and "sleep <duration>".
func runFakeCommand(channel ssh.Channel, command string) uint32 {
	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(channel, strings.TrimPrefix(command, "echo "))
		return 0
	case strings.HasPrefix(command, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		return uint32(code)
	case strings.HasPrefix(command, "stderr "):
		fmt.Fprintln(channel.Stderr(), strings.TrimPrefix(command, "stderr "))
		return 1
	case strings.HasPrefix(command, "sleep "):
		if d, err := time.ParseDuration(strings.TrimPrefix(command, "sleep ")); err == nil {
			time.Sleep(d)
		}
		return 0
	default:
		fmt.Fprintln(channel.Stderr(), "unknown command: "+command)
		return 127
	}
}

// testSeasoning builds a config pointing at the in-process server.
func testSeasoning(srv *testSSHServer, poolSize uint64) *ShellSeasoning {
	return &ShellSeasoning{
		ConnectionConfig: &ConnectionConfig{
			Host:              srv.Host,
			Port:              srv.Port,
			Username:          testUser,
			Password:          testPassword,
			ConnectTimeout:    5,
			KeepAliveInterval: 1,
			MaxRetryAttempts:  3,
			RetryBackoffBase:  10,
			RetryBackoffCap:   100,
			MaxSessionAge:     300,
		},
		PoolConfig: &PoolConfig{
			ApplicationName:     "TurboCookedShell",
			PoolSize:            poolSize,
			CheckOutTimeout:     5,
			MaxIdleTime:         300,
			MaintenanceInterval: 60,
		},
	}
}
