// Package protocol defines the events exchanged between the browser terminal
// and the server, and their wire encoding.
//
// Every frame is a JSON array whose first element is the event name and whose
// optional second element is the payload, the same shape socket.io uses for
// event packets:
//
//	["connectTerminal"]
//	["type", "ls -la\n"]
//	["update", "total 8\r\n"]
//	["eof"]
//	["error", "No session found"]
//
// Inbound and Outbound are closed sets: only the types in this package
// implement them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the wire.
const (
	EventConnectTerminal = "connectTerminal"
	EventType            = "type"
	EventUpdate          = "update"
	EventEOF             = "eof"
	EventError           = "error"
)

// Client-visible error messages.
const (
	MsgNoSession       = "No session found"
	MsgSessionClosed   = "Session closed"
	MsgCreationFailure = "Failed to create SSH session"
)

// ErrMalformedFrame is returned for frames that are not a JSON event array.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownEvent is returned for well-formed frames naming an event the
// server does not accept.
var ErrUnknownEvent = errors.New("unknown event")

// Inbound is a client→server message.
type Inbound interface {
	inbound()
	Event() string
}

// Outbound is a server→client message.
type Outbound interface {
	outbound()
	Event() string
}

// ConnectTerminal asks the server to create or attach the client's session.
type ConnectTerminal struct{}

// Type carries keyboard input for the remote shell.
type Type struct {
	Data string
}

// Update carries a chunk of remote shell output.
type Update struct {
	Data string
}

// EOF signals that the remote shell session ended.
type EOF struct{}

// Error reports a failure to the client.
type Error struct {
	Message string
}

func (ConnectTerminal) inbound() {}
func (Type) inbound()            {}
func (Update) outbound()         {}
func (EOF) outbound()            {}
func (Error) outbound()          {}

func (ConnectTerminal) Event() string { return EventConnectTerminal }
func (Type) Event() string            { return EventType }
func (Update) Event() string          { return EventUpdate }
func (EOF) Event() string             { return EventEOF }
func (Error) Event() string           { return EventError }

// DecodeInbound parses a client frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return nil, fmt.Errorf("%w: expected 1 or 2 elements, got %d", ErrMalformedFrame, len(parts))
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return nil, fmt.Errorf("%w: event name: %v", ErrMalformedFrame, err)
	}

	switch event {
	case EventConnectTerminal:
		return ConnectTerminal{}, nil
	case EventType:
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s requires a payload", ErrMalformedFrame, event)
		}
		var data string
		if err := json.Unmarshal(parts[1], &data); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, event, err)
		}
		return Type{Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

// EncodeOutbound renders a server frame.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case Update:
		return json.Marshal([]any{EventUpdate, m.Data})
	case EOF:
		return json.Marshal([]any{EventEOF})
	case Error:
		return json.Marshal([]any{EventError, m.Message})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, msg)
	}
}
