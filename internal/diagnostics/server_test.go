package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/ledger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/supervisor"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// newTestServer wires a server over real stores rooted in temp dirs. The
// pool is empty and never spawns.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := newTestLogger()
	stateRoot := t.TempDir()

	store, err := ledger.Open(config.LedgerConfig{
		Driver: "sqlite",
		Path:   filepath.Join(stateRoot, "ledger.db"),
	}, "")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	deps := Deps{
		Pool:      supervisor.NewPool(config.SupervisorConfig{}, log),
		Threads:   state.NewThreadRegistry(stateRoot, log),
		Processes: state.NewProcessRegistry(t.TempDir(), log),
		Targets:   state.NewDeliveryTargetStore(stateRoot, log),
		Ledger:    store,
	}
	return NewServer(config.ServerConfig{Host: "127.0.0.1"}, deps, log)
}

func seedTurn(t *testing.T, store *ledger.Store, sessionKey, status, turnStatus string) {
	t.Helper()
	row := &ledger.Turn{SessionKey: sessionKey, AgentID: "dev", Flavor: "codex"}
	if err := store.StartTurn(context.Background(), row); err != nil {
		t.Fatalf("failed to start turn: %v", err)
	}
	err := store.FinishTurn(context.Background(), row.ID, ledger.TurnFinish{
		Status:     status,
		TurnStatus: turnStatus,
	})
	if err != nil {
		t.Fatalf("failed to finish turn: %v", err)
	}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status=ok, got %q", resp.Status)
	}
	if resp.Timestamp == "" {
		t.Error("expected a timestamp")
	}
}

func TestHandleDoctor_Empty(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/doctor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp DoctorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Handles) != 0 {
		t.Errorf("expected no handles, got %d", len(resp.Handles))
	}
	if len(resp.RecentTurns) != 0 {
		t.Errorf("expected no turns, got %d", len(resp.RecentTurns))
	}
	if resp.Summary == nil {
		t.Fatal("expected a summary")
	}
	if resp.Summary.Turns != 0 {
		t.Errorf("expected 0 turns in summary, got %d", resp.Summary.Turns)
	}
}

func TestHandleDoctor_WithState(t *testing.T) {
	s := newTestServer(t)

	if err := s.deps.Threads.Set("dev:main", "th_1"); err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}
	seedTurn(t, s.deps.Ledger, "dev:main", ledger.StatusCompleted, "success")

	w := doJSON(t, s, http.MethodGet, "/v1/doctor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp DoctorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Threads["dev:main"] != "th_1" {
		t.Errorf("expected thread mapping, got %v", resp.Threads)
	}
	if len(resp.RecentTurns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(resp.RecentTurns))
	}
	if resp.RecentTurns[0].Status != ledger.StatusCompleted {
		t.Errorf("expected completed turn, got %q", resp.RecentTurns[0].Status)
	}
	if resp.Summary == nil || resp.Summary.Turns != 1 {
		t.Errorf("expected summary with 1 turn, got %+v", resp.Summary)
	}
}

func TestHandleHandles_Empty(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/doctor/handles", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HandlesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("expected count 0, got %d", resp.Count)
	}
	if resp.Handles == nil {
		t.Error("expected an empty array, not null")
	}
}

func TestHandleThreads(t *testing.T) {
	s := newTestServer(t)

	if err := s.deps.Threads.Set("dev:main", "th_1"); err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}
	if err := s.deps.Threads.Set("ops:deploy", "th_2"); err != nil {
		t.Fatalf("failed to seed thread: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/v1/doctor/threads", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ThreadsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Path == "" {
		t.Error("expected registry path")
	}
	if len(resp.Sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	if resp.Sessions["ops:deploy"] != "th_2" {
		t.Errorf("expected th_2, got %q", resp.Sessions["ops:deploy"])
	}
}

func TestHandleTurns_FilterBySession(t *testing.T) {
	s := newTestServer(t)

	seedTurn(t, s.deps.Ledger, "dev:main", ledger.StatusCompleted, "success")
	seedTurn(t, s.deps.Ledger, "dev:main", ledger.StatusFailed, "")
	seedTurn(t, s.deps.Ledger, "ops:deploy", ledger.StatusCompleted, "success")

	w := doJSON(t, s, http.MethodGet, "/v1/doctor/turns?session_key=dev:main", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp TurnsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(resp.Turns))
	}
	for _, turn := range resp.Turns {
		if turn.SessionKey != "dev:main" {
			t.Errorf("expected dev:main turns only, got %q", turn.SessionKey)
		}
	}

	w = doJSON(t, s, http.MethodGet, "/v1/doctor/turns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Turns) != 3 {
		t.Errorf("expected 3 turns, got %d", len(resp.Turns))
	}
}

func TestHandleTurns_BadLimit(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/doctor/turns?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleTurnsSummary(t *testing.T) {
	s := newTestServer(t)

	seedTurn(t, s.deps.Ledger, "dev:main", ledger.StatusCompleted, "success")
	seedTurn(t, s.deps.Ledger, "dev:main", ledger.StatusFailed, "")

	w := doJSON(t, s, http.MethodGet, "/v1/doctor/turns/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ledger.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Turns != 2 {
		t.Errorf("expected 2 turns, got %d", resp.Turns)
	}
	if resp.ByStatus[ledger.StatusCompleted] != 1 || resp.ByStatus[ledger.StatusFailed] != 1 {
		t.Errorf("unexpected status counts: %v", resp.ByStatus)
	}
}

func TestTargetLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/delivery-targets", AddTargetRequest{
		Key:   "chat:telegram:42",
		Label: "ops channel",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var added TargetMutationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &added); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !added.Success || added.Key != "chat:telegram:42" {
		t.Fatalf("unexpected add response: %+v", added)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/delivery-targets", nil)
	var list TargetsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(list.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(list.Targets))
	}
	if list.Targets[0].Label != "ops channel" {
		t.Errorf("expected label, got %q", list.Targets[0].Label)
	}
	if list.Targets[0].Active {
		t.Error("target should not be active yet")
	}

	w = doJSON(t, s, http.MethodPost, "/v1/delivery-targets/active", ActivateTargetRequest{Key: "chat:telegram:42"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, "/v1/delivery-targets", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if list.ActiveKey != "chat:telegram:42" {
		t.Errorf("expected active key, got %q", list.ActiveKey)
	}
	if !list.Targets[0].Active {
		t.Error("expected target marked active")
	}

	// Clearing the active pointer takes an empty key.
	w = doJSON(t, s, http.MethodPost, "/v1/delivery-targets/active", ActivateTargetRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodDelete, "/v1/delivery-targets?key=chat:telegram:42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, "/v1/delivery-targets", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(list.Targets) != 0 {
		t.Errorf("expected no targets, got %d", len(list.Targets))
	}
}

func TestHandleTargetAdd_BadKey(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/delivery-targets", AddTargetRequest{Key: "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleTargetRemove_Missing(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodDelete, "/v1/delivery-targets?key=web", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleTargetActivate_Missing(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/delivery-targets/active", ActivateTargetRequest{Key: "web"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
