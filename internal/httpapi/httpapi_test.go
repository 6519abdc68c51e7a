package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/operator"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *auth.Provider) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	qc, err := queue.Open(fmt.Sprintf("redis://%s", mr.Addr()), nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = qc.Close() })

	log := events.New(s, 8)
	dispatcher := operator.New(log, qc)

	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	authProvider := auth.New(auth.Config{
		ClientID: "c", ClientSecret: "s", RedirectURL: "https://app/cb",
		AuthURL: "https://forge/authorize", TokenURL: "https://forge/token", UserInfoURL: "https://forge/user",
		StateSecret: []byte("secret"), TokenCryptoKey: key,
	}, s, nil)

	return New(s, dispatcher, authProvider, nil, nil, nil), s, authProvider
}

func seedUserAndProject(t *testing.T, s *store.Store, userID, projectID string) {
	t.Helper()
	db, err := s.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	ctx := context.Background()
	if _, err := store.InsertUser(ctx, db, store.User{ID: userID, ForgeUserID: userID, ForgeLogin: userID}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(ctx, db, store.Project{
		ID: projectID, UserID: userID, ForgeInstallationID: "inst_" + projectID, DefaultBranch: "main",
		PortRangeStart: 20000, PortRangeEnd: 20100,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
}

// sessionCookie mints a session the same way auth.Provider.createSession
// does and returns the cookie a browser would have received, without
// reaching into auth's unexported session machinery from this package.
func sessionCookie(t *testing.T, s *store.Store, userID string) *http.Cookie {
	t.Helper()
	db, err := s.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	token := "test-session-token-" + userID
	sum := sha256.Sum256([]byte(token))
	if err := store.InsertSession(context.Background(), db, store.Session{
		TokenHash: hex.EncodeToString(sum[:]), UserID: userID, ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return &http.Cookie{Name: "conductor_session", Value: token}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListProjectsRejectsWithoutSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListProjectsReturnsOnlyCallersProjects(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedUserAndProject(t, s, "user_1", "proj_1")
	seedUserAndProject(t, s, "user_2", "proj_2")
	cookie := sessionCookie(t, s, "user_1")

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var projects []store.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &projects); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "proj_1" {
		t.Fatalf("expected only proj_1, got %+v", projects)
	}
}

func TestGetRunRejectsAccessToAnotherUsersProject(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedUserAndProject(t, s, "user_1", "proj_1")
	seedUserAndProject(t, s, "user_2", "proj_2")

	db, _ := s.DB()
	run, err := store.InsertRun(context.Background(), db, store.Run{
		ID: "run_1", TaskID: "task_1", ProjectID: "proj_2", RepoID: "repo_1", RunNumber: 1, Branch: "b",
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	cookie := sessionCookie(t, s, "user_1")
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID, nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign project's run, got %d", rec.Code)
	}
}

func TestHandleRunActionRejectsUnknownKind(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedUserAndProject(t, s, "user_1", "proj_1")
	cookie := sessionCookie(t, s, "user_1")

	body, _ := json.Marshal(runActionRequest{Kind: "not_a_real_action"})
	req := httptest.NewRequest(http.MethodPost, "/api/runs/run_x/actions", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action kind, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleRunActionCancelMissingRunIsNotFound(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedUserAndProject(t, s, "user_1", "proj_1")
	cookie := sessionCookie(t, s, "user_1")

	body, _ := json.Marshal(runActionRequest{Kind: string(operator.Cancel)})
	req := httptest.NewRequest(http.MethodPost, "/api/runs/does-not-exist/actions", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
}
