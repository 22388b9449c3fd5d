package handlers

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
)

// sessionInfo is the JSON representation of a terminal session for API responses.
type sessionInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Alive      bool      `json:"alive"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Age        string    `json:"age"`
	Idle       string    `json:"idle"`
}

// ListTerminalSessions returns every session held in the registry.
// GET /api/v1/sessions
func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	b := Terminals
	if b == nil {
		writeJSON(w, http.StatusOK, map[string][]sessionInfo{"sessions": {}})
		return
	}

	now := time.Now()
	snapshot := b.Registry().Snapshot()
	result := make([]sessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		result = append(result, sessionInfo{
			ID:         s.ID,
			State:      b.State(s.ID).String(),
			Alive:      s.Alive,
			CreatedAt:  s.CreatedAt,
			LastAccess: s.LastAccess,
			Age:        units.HumanDuration(now.Sub(s.CreatedAt)),
			Idle:       units.HumanDuration(now.Sub(s.LastAccess)),
		})
	}

	writeJSON(w, http.StatusOK, map[string][]sessionInfo{"sessions": result})
}

// DeleteTerminalSession closes and removes one session. Its client receives
// eof and is disconnected.
// DELETE /api/v1/sessions/{id}
func DeleteTerminalSession(w http.ResponseWriter, r *http.Request) {
	b := Terminals
	if b == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal bridge not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	if !b.Registry().EvictOne(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	log.WithField("client", id).Info("Session evicted by operator")
	w.WriteHeader(http.StatusNoContent)
}
