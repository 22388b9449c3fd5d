package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"golang.org/x/crypto/ssh"
)

// ReadChunkSize is the maximum number of bytes delivered per OnData call.
const ReadChunkSize = 1024

// DefaultConnectTimeout bounds TCP dial plus SSH handshake when Options.Timeout is zero.
const DefaultConnectTimeout = 30 * time.Second

// ErrClosed is returned by Write after the session has been closed.
var ErrClosed = errors.New("session closed")

var log = logging.Component("sshterminal")

// Handler receives the output of a session's read loop.
//
// OnData is called with exactly the bytes of one read, in order. OnEOF is
// called exactly once when the loop ends, whether the remote side finished
// cleanly or the channel failed.
type Handler interface {
	OnData(p []byte)
	OnEOF()
}

// Options describes the remote shell target.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	// Command is executed instead of the login shell when non-empty.
	// See StartupCommand.
	Command string
	Timeout time.Duration
}

func (o Options) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	ClientID  string
	CreatedAt time.Time
	BytesIn   int64 // written to the remote shell
	BytesOut  int64 // read from the remote shell
}

// Session is one live remote shell bound to one client connection.
type Session struct {
	ClientID  string
	CreatedAt time.Time

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	handler Handler

	writeMu   sync.Mutex
	closeOnce sync.Once

	closed        chan struct{}
	transportDone chan struct{}
	channelDone   chan struct{}
	loopDone      chan struct{}

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Dial authenticates against the remote host, opens an interactive shell
// channel and starts the read loop. On error nothing is left running.
// Host keys are not verified.
func Dial(ctx context.Context, opts Options, clientID string, h Handler) (*Session, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	cfg := &ssh.ClientConfig{
		User: opts.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(opts.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = opts.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := opts.addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	netConn.SetDeadline(deadline)
	// cancelling ctx expires the deadline, failing any blocked handshake read
	stop := context.AfterFunc(ctx, func() { netConn.SetDeadline(time.Unix(1, 0)) })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		stop()
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	s, err := openShell(client, opts.Command, clientID, h)
	if !stop() {
		// ctx was cancelled; the connection's deadline is already spent
		client.Close()
		return nil, fmt.Errorf("open shell on %s: %w", addr, ctx.Err())
	}
	if err != nil {
		client.Close()
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	go func() {
		client.Wait()
		close(s.transportDone)
	}()
	go func() {
		s.session.Wait()
		close(s.channelDone)
	}()
	go s.readLoop()

	log.WithFields(map[string]any{
		"client": clientID,
		"addr":   addr,
		"user":   opts.User,
	}).Info("Remote shell opened")
	return s, nil
}

func openShell(client *ssh.Client, command, clientID string, h Handler) (*Session, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if command == "" {
		err = session.Shell()
	} else {
		err = session.Start(command)
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Session{
		ClientID:      clientID,
		CreatedAt:     time.Now(),
		client:        client,
		session:       session,
		stdin:         stdin,
		stdout:        stdout,
		handler:       h,
		closed:        make(chan struct{}),
		transportDone: make(chan struct{}),
		channelDone:   make(chan struct{}),
		loopDone:      make(chan struct{}),
	}, nil
}

func (s *Session) readLoop() {
	defer close(s.loopDone)
	defer s.finishReadLoop()

	buf := make([]byte, ReadChunkSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.bytesOut.Add(int64(n))
			s.handler.OnData(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithField("client", s.ClientID).WithError(err).Debug("Remote shell read failed")
			}
			return
		}
	}
}

// finishReadLoop runs on every exit path of readLoop, including a panic in
// OnData.
func (s *Session) finishReadLoop() {
	if r := recover(); r != nil {
		log.WithField("client", s.ClientID).Errorf("Recovered panic in read loop: %v", r)
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("client", s.ClientID).Errorf("Recovered panic in eof handler: %v", r)
			}
		}()
		s.handler.OnEOF()
	}()
	s.Close()
}

// Write sends data to the remote shell. Concurrent calls are serialised.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write to remote shell: %w", err)
	}
	s.bytesIn.Add(int64(len(data)))
	return nil
}

// IsAlive reports whether both the SSH connection and the shell channel are
// still open. It is evaluated on every call.
func (s *Session) IsAlive() bool {
	select {
	case <-s.closed:
		return false
	case <-s.transportDone:
		return false
	case <-s.channelDone:
		return false
	default:
		return true
	}
}

// Close disconnects the shell channel and the SSH connection. Only the first
// call does any work; later calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		var errs []error
		if cerr := s.session.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			errs = append(errs, fmt.Errorf("close channel: %w", cerr))
		}
		if cerr := s.client.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", cerr))
		}
		err = errors.Join(errs...)
		log.WithField("client", s.ClientID).Debug("Remote shell closed")
	})
	return err
}

// Done is closed once the read loop has exited and OnEOF has returned.
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ClientID:  s.ClientID,
		CreatedAt: s.CreatedAt,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}
