package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`["connectTerminal"]`))
	require.NoError(t, err)
	assert.Equal(t, ConnectTerminal{}, msg)

	msg, err = DecodeInbound([]byte(`["type","echo hi\n"]`))
	require.NoError(t, err)
	assert.Equal(t, Type{Data: "echo hi\n"}, msg)
	assert.Equal(t, EventType, msg.Event())
}

func TestDecodeInbound_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `hello`, ErrMalformedFrame},
		{"object", `{"event":"type"}`, ErrMalformedFrame},
		{"empty array", `[]`, ErrMalformedFrame},
		{"too many parts", `["type","a","b"]`, ErrMalformedFrame},
		{"numeric event", `[1]`, ErrMalformedFrame},
		{"type without payload", `["type"]`, ErrMalformedFrame},
		{"type with number", `["type",42]`, ErrMalformedFrame},
		{"server event from client", `["update","x"]`, ErrUnknownEvent},
		{"unknown", `["resize",{"cols":80}]`, ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	b, err := EncodeOutbound(Update{Data: "$ "})
	require.NoError(t, err)
	assert.JSONEq(t, `["update","$ "]`, string(b))

	b, err = EncodeOutbound(EOF{})
	require.NoError(t, err)
	assert.JSONEq(t, `["eof"]`, string(b))

	b, err = EncodeOutbound(Error{Message: MsgNoSession})
	require.NoError(t, err)
	assert.JSONEq(t, `["error","No session found"]`, string(b))
}

func TestEncodeOutbound_InvalidUTF8(t *testing.T) {
	// a multi-byte rune split across read chunks
	b, err := EncodeOutbound(Update{Data: string([]byte{0xe6, 0x97})})
	require.NoError(t, err)
	assert.JSONEq(t, `["update","��"]`, string(b))
}
