package bridge

import (
	"errors"

	"github.com/gluk-w/claworc/webterminal/internal/protocol"
)

// Errors returned by bridge operations. The first three are also reported to
// the client as error events carrying the same message.
var (
	ErrNoSession       = errors.New(protocol.MsgNoSession)
	ErrSessionClosed   = errors.New(protocol.MsgSessionClosed)
	ErrSessionCreation = errors.New(protocol.MsgCreationFailure)

	// ErrUnknownClient means the client id is not (or no longer) connected.
	ErrUnknownClient = errors.New("unknown client")
	// ErrBridgeClosed means Shutdown has run; no new sessions are kept.
	ErrBridgeClosed = errors.New("bridge shut down")
)
