// Package sshaudit records the lifecycle of client connections and their
// remote shell sessions.
//
// # Event Types
//
//   - [EventClientConnected]: a browser opened a terminal connection.
//   - [EventClientDisconnected]: the connection closed.
//   - [EventSessionStart]: a remote shell session was opened for a client.
//   - [EventSessionEnd]: a session left the registry (details carry the cause,
//     duration and byte counters are filled in).
//   - [EventConnectionFailed]: opening a remote shell failed.
//
// # Retention and Purging
//
// Entries are retained for [DefaultRetentionDays] (90 days) by default.
// [Auditor.SchedulePurge] registers [Auditor.PurgeOlderThan] on a cron
// scheduler so the table does not grow without bound.
//
// # Querying
//
// [Auditor.Query] filters by client id, event type and time range, and
// returns pagination metadata alongside the entries.
package sshaudit
