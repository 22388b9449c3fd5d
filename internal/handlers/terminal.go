package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/webterminal/internal/bridge"
	"github.com/gluk-w/claworc/webterminal/internal/config"
	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/gluk-w/claworc/webterminal/internal/metrics"
	"github.com/gluk-w/claworc/webterminal/internal/protocol"
	"github.com/gluk-w/claworc/webterminal/internal/sshterminal"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

// readLimit is the websocket read limit. Frames between MaxInputMessageSize
// and readLimit are read and dropped; larger ones close the connection.
const readLimit = 1024 * 1024

var log = logging.Component("handlers")

// Terminals is set from main.go during init.
var Terminals *bridge.Bridge

// TerminalWS accepts one client connection. Each accepted socket gets a fresh
// client id; frames are decoded as protocol events and dispatched to the
// bridge until the socket closes, at which point the client's session is
// evicted.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	// the connection keeps the bridge it was accepted by
	b := Terminals
	if b == nil {
		http.Error(w, "Terminal bridge not initialized", http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(config.Cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = config.Cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.WithError(err).Warn("Failed to accept terminal websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	id := uuid.NewString()
	b.Connect(id, r.RemoteAddr, &wsClient{conn: conn, ctx: ctx})
	defer func() {
		// abort an in-flight creation before evicting
		cancel()
		b.Disconnect(id)
	}()

	serveClient(ctx, b, id, conn)
	conn.Close(websocket.StatusNormalClosure, "")
}

func serveClient(ctx context.Context, b *bridge.Bridge, id string, conn *websocket.Conn) {
	limiter := rate.NewLimiter(rate.Limit(sshterminal.MessageRateLimit), sshterminal.MessageRateBurst)
	entry := log.WithField("client", id)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Debug("Terminal websocket read ended")
			}
			return
		}

		if !limiter.Allow() {
			metrics.DroppedFrames.WithLabelValues("rate_limited").Inc()
			continue
		}
		if len(frame) > sshterminal.MaxInputMessageSize {
			metrics.DroppedFrames.WithLabelValues("too_large").Inc()
			entry.WithField("size", len(frame)).Warn("Terminal input frame too large")
			continue
		}

		msg, err := protocol.DecodeInbound(frame)
		if err != nil {
			metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			entry.WithError(err).Debug("Ignoring inbound frame")
			continue
		}

		switch m := msg.(type) {
		case protocol.ConnectTerminal:
			// creation blocks on the network; keep reading meanwhile
			go func() {
				// failures already reached the client as an error event
				_ = b.ConnectTerminal(ctx, id)
			}()
		case protocol.Type:
			_ = b.Type(id, []byte(m.Data))
		}
	}
}

// wsClient is the bridge's outbound channel for one websocket.
type wsClient struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

func (c *wsClient) Send(msg protocol.Outbound) error {
	frame, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *wsClient) Disconnect() error {
	return c.conn.Close(websocket.StatusNormalClosure, "session ended")
}
