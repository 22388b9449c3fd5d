package sshaudit

import (
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/database"
	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Event types for session audit logging.
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventSessionStart       = "terminal_session_start"
	EventSessionEnd         = "terminal_session_end"
	EventConnectionFailed   = "connection_failed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

var log = logging.Component("ssh-audit")

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	ClientID   string
	EventType  string
	RemoteAddr string
	Target     string
	Details    string
	DurationMs int64
	BytesIn    int64
	BytesOut   int64
}

// Auditor writes audit records to the database and mirrors them to the log.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db. If retentionDays is not
// positive, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.SessionAuditLog{
		ClientID:   entry.ClientID,
		EventType:  entry.EventType,
		RemoteAddr: entry.RemoteAddr,
		Target:     entry.Target,
		Details:    logging.SanitizeForLog(entry.Details),
		DurationMs: entry.DurationMs,
		BytesIn:    entry.BytesIn,
		BytesOut:   entry.BytesOut,
		CreatedAt:  a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.WithError(err).Error("Failed to write audit log")
		return fmt.Errorf("write audit log: %w", err)
	}

	log.WithFields(map[string]any{
		"event":   entry.EventType,
		"client":  entry.ClientID,
		"remote":  entry.RemoteAddr,
		"details": record.Details,
	}).Debug("Audit event recorded")
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ClientID  string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SessionAuditLog{})
	if opts.ClientID != "" {
		tx = tx.Where("client_id = ?", opts.ClientID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the retention period when
// days is not positive) and returns how many were deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.WithError(result.Error).Error("Audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Infof("Purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SchedulePurge registers a retention purge on c with the given cron spec.
func (a *Auditor) SchedulePurge(c *cron.Cron, spec string) error {
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return fmt.Errorf("schedule audit purge: %w", err)
	}
	return nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
