package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

// recorder is a Handler that keeps everything it receives.
type recorder struct {
	mu       sync.Mutex
	output   bytes.Buffer
	chunks   []int
	eofCount int
	eof      chan struct{}
	panicOn  string
}

func newRecorder() *recorder {
	return &recorder{eof: make(chan struct{})}
}

func (r *recorder) OnData(p []byte) {
	r.mu.Lock()
	r.output.Write(p)
	r.chunks = append(r.chunks, len(p))
	r.mu.Unlock()
	if r.panicOn != "" && bytes.Contains(p, []byte(r.panicOn)) {
		panic("boom")
	}
}

func (r *recorder) OnEOF() {
	r.mu.Lock()
	r.eofCount++
	n := r.eofCount
	r.mu.Unlock()
	if n == 1 {
		close(r.eof)
	}
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String()
}

func (r *recorder) EOFCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eofCount
}

func (r *recorder) waitFor(t *testing.T, target string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(r.String(), target)
	}, 5*time.Second, 10*time.Millisecond, "waiting for %q, got %q", target, r.String())
}

func (r *recorder) waitEOF(t *testing.T) {
	t.Helper()
	select {
	case <-r.eof:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for OnEOF")
	}
}

func optionsFor(srv *sshtest.Server) Options {
	return Options{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     srv.User,
		Password: srv.Password,
		Timeout:  5 * time.Second,
	}
}

func dialTest(t *testing.T, srv *sshtest.Server, h Handler) *Session {
	t.Helper()
	s, err := Dial(context.Background(), optionsFor(srv), "client-1", h)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDial_StreamsOutput(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("$ ")})
	rec := newRecorder()

	s := dialTest(t, srv, rec)

	rec.waitFor(t, "$ ")
	assert.True(t, s.IsAlive())
	assert.Equal(t, "client-1", s.ClientID)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestWrite_ReachesRemote(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("$ ")})
	rec := newRecorder()
	s := dialTest(t, srv, rec)
	rec.waitFor(t, "$ ")

	require.NoError(t, s.Write([]byte("echo hi\n")))
	rec.waitFor(t, "echo:echo hi\n")

	stats := s.Stats()
	assert.Equal(t, int64(len("echo hi\n")), stats.BytesIn)
	assert.GreaterOrEqual(t, stats.BytesOut, int64(len("$ echo:echo hi\n")))
}

func TestReadLoop_RemoteExitFiresEOFOnce(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{
		OnShell: func(ch gossh.Channel) {
			ch.Write([]byte("bye\n"))
		},
	})
	rec := newRecorder()
	s := dialTest(t, srv, rec)

	rec.waitEOF(t)
	<-s.Done()

	assert.Contains(t, rec.String(), "bye\n")
	assert.False(t, s.IsAlive())
	assert.Equal(t, 1, rec.EOFCount())

	// the loop closed the session; closing again is a no-op
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write([]byte("x")), ErrClosed)
	assert.Equal(t, 1, rec.EOFCount())
}

func TestReadLoop_ChunksAtMostReadChunkSize(t *testing.T) {
	payload := strings.Repeat("0123456789", 500)
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{
		OnShell: func(ch gossh.Channel) {
			ch.Write([]byte(payload))
		},
	})
	rec := newRecorder()
	dialTest(t, srv, rec)
	rec.waitEOF(t)

	assert.Equal(t, payload, rec.String())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.chunks)
	for _, n := range rec.chunks {
		assert.LessOrEqual(t, n, ReadChunkSize)
		assert.Positive(t, n)
	}
}

func TestClose_IdempotentAndStopsLoop(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("$ ")})
	rec := newRecorder()
	s := dialTest(t, srv, rec)
	rec.waitFor(t, "$ ")

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.False(t, s.IsAlive())

	rec.waitEOF(t)
	<-s.Done()
	assert.Equal(t, 1, rec.EOFCount())
	assert.ErrorIs(t, s.Write([]byte("ls\n")), ErrClosed)
}

func TestIsAlive_TransportDropped(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("$ ")})
	rec := newRecorder()
	s := dialTest(t, srv, rec)
	rec.waitFor(t, "$ ")

	srv.DropConnections()

	rec.waitEOF(t)
	require.Eventually(t, func() bool { return !s.IsAlive() }, 5*time.Second, 10*time.Millisecond)
}

func TestReadLoop_PanicInHandlerStillSignalsEOF(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("$ ")})
	rec := newRecorder()
	rec.panicOn = "$ "
	s := dialTest(t, srv, rec)

	rec.waitEOF(t)
	<-s.Done()
	assert.False(t, s.IsAlive())
	assert.Equal(t, 1, rec.EOFCount())
}

func TestDial_ExecCommand(t *testing.T) {
	got := make(chan string, 1)
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{
		OnExec: func(cmd string, ch gossh.Channel) {
			got <- cmd
			ch.Write([]byte("started\n"))
		},
	})

	cmd, err := StartupCommand("claude", []string{"TOKEN"}, func(string) (string, bool) { return "abc", true })
	require.NoError(t, err)

	opts := optionsFor(srv)
	opts.Command = cmd
	rec := newRecorder()
	s, err := Dial(context.Background(), opts, "client-exec", rec)
	require.NoError(t, err)
	defer s.Close()

	select {
	case c := <-got:
		assert.Equal(t, "TOKEN='abc' exec claude", c)
	case <-time.After(5 * time.Second):
		t.Fatal("exec request never arrived")
	}
	rec.waitFor(t, "started\n")
}

func TestDial_WrongPassword(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("")})
	opts := optionsFor(srv)
	opts.Password = "wrong"

	rec := newRecorder()
	s, err := Dial(context.Background(), opts, "client-1", rec)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "ssh handshake")
	assert.Equal(t, 0, rec.EOFCount())
}

func TestDial_Unreachable(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{})
	opts := optionsFor(srv)
	srv.Close()

	_, err := Dial(context.Background(), opts, "client-1", newRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestDial_CancelledContext(t *testing.T) {
	srv := sshtest.Start(t, "root", "password", sshtest.Handler{OnShell: sshtest.Echo("")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, optionsFor(srv), "client-1", newRecorder())
	require.Error(t, err)
}

func TestDial_CancelDuringStalledHandshake(t *testing.T) {
	// accepts TCP but never speaks SSH
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	opts := Options{Host: "127.0.0.1", Port: addr.Port, User: "root", Password: "password", Timeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	s, err := Dial(ctx, opts, "client-1", newRecorder())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOptions_DefaultPort(t *testing.T) {
	assert.Equal(t, "example.com:22", Options{Host: "example.com"}.addr())
	assert.Equal(t, "example.com:2222", Options{Host: "example.com", Port: 2222}.addr())
}
