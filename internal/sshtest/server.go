// Package sshtest runs an in-process SSH server with password auth and PTY
// support for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

// Handler configures how the server treats a started shell or exec request.
// The callback owns the channel until it returns; the channel is closed
// afterwards.
type Handler struct {
	OnShell func(ch gossh.Channel)
	OnExec  func(cmd string, ch gossh.Channel)
}

// Server is a running test SSH server.
type Server struct {
	Host     string
	Port     int
	User     string
	Password string

	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	wg       sync.WaitGroup
}

// Echo returns a handler body that writes prompt, then echoes every read
// back with an "echo:" prefix until the channel closes.
func Echo(prompt string) func(ch gossh.Channel) {
	return func(ch gossh.Channel) {
		if prompt != "" {
			ch.Write([]byte(prompt))
		}
		buf := make([]byte, 4096)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				ch.Write([]byte("echo:"))
				ch.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
}

// Start listens on 127.0.0.1 with a random port. The server and every
// connection it accepted are torn down via t.Cleanup.
func Start(t testing.TB, user, password string, h Handler) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(c gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		listener: listener,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go handleConn(conn, cfg, h)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// DropConnections closes every accepted TCP connection without stopping the
// listener, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func handleConn(netConn net.Conn, cfg *gossh.ServerConfig, h Handler) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests, h)
	}
}

func handleSession(ch gossh.Channel, requests <-chan *gossh.Request, h Handler) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runAndClose(ch, func(ch gossh.Channel) {
				if h.OnShell != nil {
					h.OnShell(ch)
				}
			})
		case "exec":
			var payload struct{ Command string }
			gossh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			go runAndClose(ch, func(ch gossh.Channel) {
				if h.OnExec != nil {
					h.OnExec(payload.Command, ch)
				}
			})
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func runAndClose(ch gossh.Channel, fn func(gossh.Channel)) {
	fn(ch)
	ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{0}))
	ch.Close()
}
