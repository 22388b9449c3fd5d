package database

import "time"

// SessionAuditLog is one lifecycle event of a client connection or its
// remote shell session.
type SessionAuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID   string    `gorm:"index;not null" json:"client_id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	RemoteAddr string    `json:"remote_addr"`
	Target     string    `json:"target"` // user@host:port of the remote shell
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `json:"duration_ms"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	CreatedAt  time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
