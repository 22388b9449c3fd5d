// Package sshterminal provides interactive remote shell sessions over SSH.
//
// A [Session] owns one SSH connection and one PTY-backed shell channel. It is
// opened with [Dial], which authenticates with a password (falling back to
// keyboard-interactive), requests an xterm-256color PTY and starts either the
// remote login shell or the command built by [StartupCommand].
//
// # Output
//
// Every Session runs a single read loop goroutine that reads at most
// [ReadChunkSize] bytes at a time and hands each chunk to [Handler.OnData] in
// the order the remote side produced it. When the channel reaches EOF or
// fails, the loop calls [Handler.OnEOF] exactly once and closes the Session.
// A panic in either callback is recovered and logged.
//
// # Input
//
// [Session.Write] forwards keyboard input unchanged. Writes are serialised and
// fail with [ErrClosed] once the Session is closed.
//
// # Liveness
//
// [Session.IsAlive] reports false as soon as the Session was closed, the SSH
// connection dropped or the shell channel ended. [Session.Close] is idempotent.
//
// # Limits
//
// [MaxInputMessageSize], [MessageRateLimit] and [MessageRateBurst] bound what a
// single client may send; the websocket transport enforces them.
package sshterminal
