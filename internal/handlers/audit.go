package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/sshaudit"
)

// AuditLog is set from main.go during init. It stays nil when auditing is
// disabled.
var AuditLog *sshaudit.Auditor

// GetAuditLogs returns paginated session audit entries, newest first.
// GET /api/v1/audit
//
// Query parameters:
//
//	client_id  - filter by client connection id
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		ClientID:  q.Get("client_id"),
		EventType: q.Get("event_type"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}

	var ok bool
	if opts.Limit, ok = queryInt(r, "limit", 1); !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if opts.Offset, ok = queryInt(r, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		log.WithError(err).Error("Audit query failed")
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
