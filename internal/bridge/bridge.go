// Package bridge connects client messaging channels to remote shell sessions.
//
// Per client connection the bridge walks this state machine:
//
//	Disconnected → Connected → SessionLive → SessionDead → Disconnected
//
// Connect enters Connected. ConnectTerminal creates (or reuses) the client's
// session through the registry and enters SessionLive; on failure the client
// gets an error event and stays Connected. Output from the session's read
// loop is forwarded as update events; when the loop ends the client gets an
// eof event and its channel is disconnected. Disconnect evicts the session.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/gluk-w/claworc/webterminal/internal/metrics"
	"github.com/gluk-w/claworc/webterminal/internal/protocol"
	"github.com/gluk-w/claworc/webterminal/internal/sessions"
	"github.com/gluk-w/claworc/webterminal/internal/sshaudit"
	"github.com/gluk-w/claworc/webterminal/internal/sshterminal"
)

var log = logging.Component("bridge")

// Terminal is the remote shell session as the bridge uses it.
type Terminal interface {
	Write(data []byte) error
	IsAlive() bool
	Close() error
}

// Dialer opens a remote shell for clientID whose output goes to h.
type Dialer func(ctx context.Context, clientID string, h sshterminal.Handler) (Terminal, error)

// Outbound is the messaging channel to one client. Implementations must be
// safe for concurrent use: session output and replies to client events are
// sent from different goroutines.
type Outbound interface {
	Send(msg protocol.Outbound) error
	Disconnect() error
}

// Auditor records lifecycle events. *sshaudit.Auditor satisfies it.
type Auditor interface {
	Log(entry sshaudit.AuditEntry) error
}

type statser interface {
	Stats() sshterminal.Stats
}

// State is the bridge's view of one client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSessionLive
	StateSessionDead
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSessionLive:
		return "session_live"
	case StateSessionDead:
		return "session_dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires a Bridge.
type Config struct {
	Dial Dialer
	// Target names the remote shell endpoint in audit records, e.g. root@localhost:22.
	Target        string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// Auditor is optional.
	Auditor Auditor
	// Now overrides the registry clock, for tests.
	Now func() time.Time
}

type client struct {
	id          string
	remoteAddr  string
	out         Outbound
	connectedAt time.Time

	mu    sync.Mutex
	state State
}

func (c *client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *client) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Bridge reacts to client events and owns the session registry.
type Bridge struct {
	registry *sessions.Registry[Terminal]
	dial     Dialer
	target   string
	auditor  Auditor

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// New builds a Bridge and its registry. Call Start to run idle expiry.
func New(cfg Config) *Bridge {
	b := &Bridge{
		dial:    cfg.Dial,
		target:  cfg.Target,
		auditor: cfg.Auditor,
		clients: make(map[string]*client),
	}
	b.registry = sessions.New(sessions.Options[Terminal]{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		OnRemoval:     b.onRemoval,
		Now:           cfg.Now,
	})
	return b
}

// Registry exposes the session registry for listings and operator eviction.
func (b *Bridge) Registry() *sessions.Registry[Terminal] {
	return b.registry
}

// Start runs the registry's idle sweeper.
func (b *Bridge) Start() error {
	return b.registry.Start()
}

// Shutdown stops idle expiry and evicts every session. Sessions whose
// creation finishes afterwards are evicted by ConnectTerminal.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.registry.Stop()
	return b.registry.EvictAll()
}

// Connect registers a new client connection.
func (b *Bridge) Connect(id, remoteAddr string, out Outbound) {
	c := &client{
		id:          id,
		remoteAddr:  remoteAddr,
		out:         out,
		connectedAt: time.Now(),
		state:       StateConnected,
	}
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	metrics.ClientsConnected.Inc()
	log.WithFields(map[string]any{"client": id, "remote": remoteAddr}).Info("Client connected")
	b.audit(sshaudit.AuditEntry{ClientID: id, EventType: sshaudit.EventClientConnected, RemoteAddr: remoteAddr})
}

// ConnectTerminal creates the client's session, or reuses the one already
// registered for it.
func (b *Bridge) ConnectTerminal(ctx context.Context, id string) error {
	c := b.lookup(id)
	if c == nil {
		return ErrUnknownClient
	}
	if b.isClosed() {
		return ErrBridgeClosed
	}

	created := false
	factory := func(ctx context.Context) (Terminal, error) {
		t, err := b.dial(ctx, id, &sessionEvents{bridge: b, client: c})
		if err == nil {
			created = true
		}
		return t, err
	}

	t, err := b.registry.GetOrCreate(ctx, id, factory)
	if err != nil {
		metrics.SessionCreateFailures.Inc()
		log.WithField("client", id).WithError(err).Error("Error creating SSH session")
		b.audit(sshaudit.AuditEntry{
			ClientID:   id,
			EventType:  sshaudit.EventConnectionFailed,
			RemoteAddr: c.remoteAddr,
			Target:     b.target,
			Details:    err.Error(),
		})
		b.sendError(c, protocol.MsgCreationFailure)
		return fmt.Errorf("%w: %w", ErrSessionCreation, err)
	}

	if created {
		metrics.SessionsCreated.Inc()
		metrics.SessionsActive.Inc()
		b.audit(sshaudit.AuditEntry{
			ClientID:   id,
			EventType:  sshaudit.EventSessionStart,
			RemoteAddr: c.remoteAddr,
			Target:     b.target,
		})
	}

	// stored after Shutdown's EvictAll
	if b.isClosed() {
		log.WithField("client", id).Info("Bridge shut down during session creation, evicting")
		b.registry.EvictOne(id)
		return ErrBridgeClosed
	}
	// the client may have gone away while the session was being opened
	if !b.isCurrent(c) {
		log.WithField("client", id).Info("Client left during session creation, evicting")
		b.registry.EvictOne(id)
		return ErrUnknownClient
	}

	if t.IsAlive() {
		c.setState(StateSessionLive)
	} else {
		c.setState(StateSessionDead)
	}
	return nil
}

// Type writes client input to the client's session.
func (b *Bridge) Type(id string, data []byte) error {
	c := b.lookup(id)

	t, ok := b.registry.Find(id)
	if !ok {
		b.sendError(c, protocol.MsgNoSession)
		return ErrNoSession
	}
	// a dead entry stays registered until disconnect or idle expiry
	if !t.IsAlive() {
		if c != nil {
			c.setState(StateSessionDead)
		}
		b.sendError(c, protocol.MsgSessionClosed)
		return ErrSessionClosed
	}
	if err := t.Write(data); err != nil {
		log.WithField("client", id).WithError(err).Warn("Write to remote shell failed")
		if c != nil {
			c.setState(StateSessionDead)
		}
		b.sendError(c, protocol.MsgSessionClosed)
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	metrics.BytesIn.Add(float64(len(data)))
	return nil
}

// Disconnect forgets the client and evicts its session.
func (b *Bridge) Disconnect(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()

	b.registry.EvictOne(id)

	if !ok {
		return
	}
	c.setState(StateDisconnected)
	metrics.ClientsConnected.Dec()
	log.WithFields(map[string]any{
		"client":    id,
		"connected": units.HumanDuration(time.Since(c.connectedAt)),
	}).Info("Client disconnected")
	b.audit(sshaudit.AuditEntry{
		ClientID:   id,
		EventType:  sshaudit.EventClientDisconnected,
		RemoteAddr: c.remoteAddr,
		DurationMs: time.Since(c.connectedAt).Milliseconds(),
	})
}

// State reports the client's state; unknown clients are Disconnected.
func (b *Bridge) State(id string) State {
	c := b.lookup(id)
	if c == nil {
		return StateDisconnected
	}
	return c.getState()
}

// Clients returns the number of connected clients.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) lookup(id string) *client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[id]
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) isCurrent(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[c.id] == c
}

func (b *Bridge) sendError(c *client, message string) {
	metrics.ClientErrors.WithLabelValues(message).Inc()
	if c == nil {
		return
	}
	if err := c.out.Send(protocol.Error{Message: message}); err != nil {
		log.WithField("client", c.id).WithError(err).Debug("Failed to send error event")
	}
}

func (b *Bridge) onRemoval(id string, t Terminal, cause sessions.Cause, closeErr error) {
	metrics.SessionsActive.Dec()
	metrics.SessionsEvicted.WithLabelValues(string(cause)).Inc()

	entry := sshaudit.AuditEntry{
		ClientID:  id,
		EventType: sshaudit.EventSessionEnd,
		Target:    b.target,
		Details:   "cause=" + string(cause),
	}
	if closeErr != nil {
		entry.Details += " close_error=" + closeErr.Error()
	}
	if st, ok := t.(statser); ok {
		stats := st.Stats()
		entry.DurationMs = time.Since(stats.CreatedAt).Milliseconds()
		entry.BytesIn = stats.BytesIn
		entry.BytesOut = stats.BytesOut
		log.WithFields(map[string]any{
			"client":   id,
			"cause":    cause,
			"lifetime": units.HumanDuration(time.Since(stats.CreatedAt)),
			"in":       units.HumanSize(float64(stats.BytesIn)),
			"out":      units.HumanSize(float64(stats.BytesOut)),
		}).Info("Session ended")
	}
	b.audit(entry)
}

func (b *Bridge) audit(entry sshaudit.AuditEntry) {
	if b.auditor == nil {
		return
	}
	if err := b.auditor.Log(entry); err != nil {
		log.WithError(err).Warn("Audit log failed")
	}
}

// sessionEvents turns one session's read loop callbacks into events on the
// owning client's channel.
type sessionEvents struct {
	bridge *Bridge
	client *client
}

func (e *sessionEvents) OnData(p []byte) {
	metrics.BytesOut.Add(float64(len(p)))
	if !e.bridge.isCurrent(e.client) {
		return
	}
	if err := e.client.out.Send(protocol.Update{Data: string(p)}); err != nil {
		log.WithField("client", e.client.id).WithError(err).Debug("Failed to send update")
	}
}

func (e *sessionEvents) OnEOF() {
	if !e.bridge.isCurrent(e.client) {
		return
	}
	e.client.setState(StateSessionDead)
	if err := e.client.out.Send(protocol.EOF{}); err != nil {
		log.WithField("client", e.client.id).WithError(err).Debug("Failed to send eof")
	}
	if err := e.client.out.Disconnect(); err != nil {
		log.WithField("client", e.client.id).WithError(err).Debug("Failed to disconnect client")
	}
}
