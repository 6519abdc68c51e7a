package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/signing"
	"github.com/conductor-sh/conductor/internal/store"
)

func newTestLog(t *testing.T, s *store.Store) *events.Log {
	t.Helper()
	return events.New(s, 8)
}

func newTestReceiver(t *testing.T, secret []byte) (*Receiver, *store.Store, *queue.Client) {
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

	var signer *signing.Signer
	if secret != nil {
		signer = signing.NewSigner(secret)
	}
	return New(s, qc, signer, secret == nil, nil), s, qc
}

func post(r *Receiver, deliveryID, eventType string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("delivery-id", deliveryID)
	req.Header.Set("event-type", eventType)
	if sig != "" {
		req.Header.Set("signature", sig)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPRejectsMissingHeaders(t *testing.T) {
	r, _, _ := newTestReceiver(t, nil)
	rec := post(r, "", "pull_request", []byte(`{}`), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeHTTPAcceptsUnsignedInDevelopment(t *testing.T) {
	r, _, _ := newTestReceiver(t, nil)
	body := []byte(`{"action":"opened","repository":{"node_id":"repo_node_1"},"pull_request":{"number":1}}`)
	rec := post(r, "delivery_1", "pull_request", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["received"] != true {
		t.Fatalf("expected received true, got %+v", resp)
	}
}

func TestServeHTTPRejectsInvalidSignature(t *testing.T) {
	secret := []byte("shh")
	r, _, _ := newTestReceiver(t, secret)
	body := []byte(`{"action":"opened"}`)
	rec := post(r, "delivery_2", "pull_request", body, "sha256=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeHTTPAcceptsValidSignature(t *testing.T) {
	secret := []byte("shh")
	r, _, _ := newTestReceiver(t, secret)
	body := []byte(`{"action":"opened","repository":{"node_id":"repo_node_1"}}`)
	signer := signing.NewSigner(secret)
	sig := fmt.Sprintf("sha256=%x", signer.SignRaw(body))
	rec := post(r, "delivery_3", "pull_request", body, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServeHTTPDetectsDuplicateDelivery(t *testing.T) {
	r, _, _ := newTestReceiver(t, nil)
	body := []byte(`{"action":"opened","repository":{"node_id":"repo_node_1"}}`)
	post(r, "delivery_4", "pull_request", body, "")
	rec := post(r, "delivery_4", "pull_request", body, "")
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["duplicate"] != true {
		t.Fatalf("expected duplicate true, got %+v", resp)
	}
}

func TestServeHTTPIgnoresPingEvent(t *testing.T) {
	r, _, _ := newTestReceiver(t, nil)
	rec := post(r, "delivery_5", "ping", []byte(`{"zen":"hi"}`), "")
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["ignored"] != true {
		t.Fatalf("expected ignored true, got %+v", resp)
	}
}

func TestNormalizerIgnoresUnrecognizedCombination(t *testing.T) {
	r, s, qc := newTestReceiver(t, nil)
	_ = qc
	body := []byte(`{"action":"labeled","repository":{"node_id":"repo_node_2"}}`)
	post(r, "delivery_6", "pull_request", body, "")

	n := NewNormalizer(newTestLog(t, s), nil)
	payload, _ := json.Marshal(NormalizeJobPayload{DeliveryID: "delivery_6", EventType: "pull_request", Action: "labeled", RepositoryNodeID: "repo_node_2", PayloadSummary: map[string]any{}})
	if err := n.Handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	db, _ := s.DB()
	got, err := store.GetWebhookDelivery(context.Background(), db, "delivery_6")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if got.Status != store.DeliveryIgnored {
		t.Fatalf("expected ignored, got %s", got.Status)
	}
}

func TestNormalizerProcessesRecognizedCombination(t *testing.T) {
	r, s, qc := newTestReceiver(t, nil)
	_ = qc
	ctx := context.Background()
	db, _ := s.DB()
	if _, err := store.InsertUser(ctx, db, store.User{ID: "user_1", ForgeUserID: "1", ForgeLogin: "octocat"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(ctx, db, store.Project{ID: "proj_1", UserID: "user_1", ForgeOrgID: "org_1", ForgeOrgLogin: "acme", ForgeInstallationID: "inst_1", DefaultBranch: "main", PortRangeStart: 20000, PortRangeEnd: 20100}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := store.InsertRepo(ctx, db, store.Repo{ID: "repo_1", ProjectID: "proj_1", ForgeRepoID: "1", ForgeNodeID: "repo_node_3", Owner: "acme", Name: "widget", DefaultBranch: "main", Status: store.RepoActive}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}

	body := []byte(`{"action":"opened","repository":{"node_id":"repo_node_3"},"pull_request":{"number":7}}`)
	post(r, "delivery_7", "pull_request", body, "")

	log := newTestLog(t, s)
	n := NewNormalizer(log, nil)
	payload, _ := json.Marshal(NormalizeJobPayload{DeliveryID: "delivery_7", EventType: "pull_request", Action: "opened", RepositoryNodeID: "repo_node_3", PayloadSummary: map[string]any{"pullRequestNumber": 7}})
	if err := n.Handle(ctx, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.GetWebhookDelivery(ctx, db, "delivery_7")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if got.Status != store.DeliveryProcessed {
		t.Fatalf("expected processed, got %s", got.Status)
	}

	events, err := store.QueryStreamEventsForReplay(ctx, db, 0, []string{"proj_1"}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 || events[0].Type != "webhook.pull_request_opened" {
		t.Fatalf("expected one pull_request_opened event, got %+v", events)
	}
}
