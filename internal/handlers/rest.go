// Package handlers exposes the session core over HTTP: the WebSocket
// endpoint speaking the session protocol, plus REST endpoints for session
// listing, audit queries and operator containment actions.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/router"
	"github.com/gluk-w/termgate/internal/security"
	"github.com/gluk-w/termgate/internal/session"
)

// Handlers bundles the components the HTTP layer needs. Wired by the
// composition root; no package-level state.
type Handlers struct {
	Registry *session.Registry
	Guard    *security.Guard
	Store    *audit.Store
	Recorder *audit.Recorder
	Router   *router.Router
}

// Routes mounts all endpoints on the given chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/terminal", h.TerminalWS)
	r.Get("/sessions", h.ListSessions)
	r.Delete("/sessions/{sessionId}", h.DestroySession)
	r.Post("/sessions/{sessionId}/quarantine", h.QuarantineSession)
	r.Post("/sessions/{sessionId}/release", h.ReleaseSession)
	r.Get("/audit", h.QueryAudit)
	r.Get("/clients/{clientId}/security", h.ClientSecurity)
}

// ListSessions returns the sessions owned by the calling client.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing client identifier")
		return
	}
	sessions := h.Registry.List(id)
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// DestroySession tears down a session. Idempotent: destroying an unknown
// session still returns OK.
func (h *Handlers) DestroySession(w http.ResponseWriter, r *http.Request) {
	h.Registry.Destroy(chi.URLParam(r, "sessionId"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// QuarantineSession is the external containment signal: an operator freezes
// a session whose command sequence looks dangerous in aggregate even though
// each command passed validation individually.
func (h *Handlers) QuarantineSession(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator containment"
	}
	if err := h.Registry.Quarantine(chi.URLParam(r, "sessionId"), reason); err != nil {
		status := http.StatusConflict
		if err == session.ErrSessionNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "quarantined"})
}

// ReleaseSession lifts a quarantine after review.
func (h *Handlers) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Release(chi.URLParam(r, "sessionId")); err != nil {
		status := http.StatusConflict
		if err == session.ErrSessionNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// QueryAudit returns audit records matching the query parameters.
func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		ClientID:  q.Get("client_id"),
		SessionID: q.Get("session_id"),
		Decision:  q.Get("decision"),
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}

	result, err := h.Store.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ClientSecurity returns the security state snapshot for one client.
func (h *Handlers) ClientSecurity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Guard.Snapshot(chi.URLParam(r, "clientId")))
}

// HealthCheck reports process health, including audit degradation, which is
// surfaced here to operators rather than to terminal callers.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	auditStatus := "ok"
	if h.Recorder != nil && h.Recorder.Degraded() {
		status = "degraded"
		auditStatus = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"audit":    auditStatus,
		"sessions": h.Registry.Count(),
	})
}
