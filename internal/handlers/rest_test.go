package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/policy"
	"github.com/gluk-w/termgate/internal/router"
	"github.com/gluk-w/termgate/internal/security"
	"github.com/gluk-w/termgate/internal/session"
	"github.com/gluk-w/termgate/internal/validate"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handlers) {
	t.Helper()

	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	recorder := audit.NewRecorder(store, 64, nil)
	t.Cleanup(recorder.Close)

	pol := policy.Default()
	guard := security.NewGuard(pol.RateLimit, pol.Ban)
	pipeline := validate.NewPipeline(pol, guard, recorder)
	rtr := router.New(pipeline, recorder)

	cfg := session.DefaultConfig()
	cfg.DestroyGrace = 50 * time.Millisecond
	registry := session.NewRegistry(cfg, rtr, recorder)
	rtr.SetRegistry(registry)
	t.Cleanup(registry.CloseAll)

	h := &Handlers{
		Registry: registry,
		Guard:    guard,
		Store:    store,
		Recorder: recorder,
		Router:   rtr,
	}

	r := chi.NewRouter()
	r.Get("/health", h.HealthCheck)
	r.Route("/api/v1", h.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	if code := getJSON(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" || body["audit"] != "ok" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestListSessionsRequiresClientID(t *testing.T) {
	srv, _ := newTestServer(t)
	if code := getJSON(t, srv.URL+"/api/v1/sessions", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a client id, got %d", code)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	code := getJSON(t, srv.URL+"/api/v1/sessions?client_id=c1", &body)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Sessions == nil || len(body.Sessions) != 0 {
		t.Errorf("expected empty session list, got %v", body.Sessions)
	}
}

func TestDestroyUnknownSessionIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/unknown", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("destroy is idempotent and should answer 200, got %d", resp.StatusCode)
	}
}

func TestQuarantineUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sessions/unknown/quarantine", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestReleaseUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sessions/unknown/release", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestQueryAuditEndpoint(t *testing.T) {
	srv, h := newTestServer(t)

	h.Store.Append(audit.Entry{Timestamp: time.Now(), ClientID: "c1", Command: "ls", Decision: audit.DecisionAllowed})
	h.Store.Append(audit.Entry{Timestamp: time.Now(), ClientID: "c2", Command: "vim", Decision: audit.DecisionBlocked, RuleID: "NotWhitelisted"})

	var body audit.QueryResult
	code := getJSON(t, srv.URL+"/api/v1/audit?decision=blocked", &body)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Total != 1 || len(body.Entries) != 1 || body.Entries[0].RuleID != "NotWhitelisted" {
		t.Errorf("unexpected audit query result %+v", body)
	}
}

func TestClientSecurityEndpoint(t *testing.T) {
	srv, h := newTestServer(t)

	h.Guard.RecordAllowed("c1")
	for i := 0; i < 3; i++ {
		h.Guard.RecordViolation("c1")
	}

	var body security.Status
	code := getJSON(t, srv.URL+"/api/v1/clients/c1/security", &body)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.CommandCount != 1 || body.BlockedCount != 3 || body.Streak != 3 {
		t.Errorf("unexpected security snapshot %+v", body)
	}
}

func TestClientIDFromHeaderOrQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?client_id=query-id", nil)
	if got := clientID(req); got != "query-id" {
		t.Errorf("expected query fallback, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions?client_id=query-id", nil)
	req.Header.Set("X-Client-ID", "header-id")
	if got := clientID(req); got != "header-id" {
		t.Errorf("header should take precedence, got %q", got)
	}
}
