// Package webhook is the forge webhook receiver (C5) and normalizer (C6).
// The receiver is a single POST endpoint that persists every delivery
// before enqueuing work, so a crash between persist and enqueue is
// recoverable instead of silently dropping the delivery (§4.5). The
// normalizer runs inside the webhook worker and turns a persisted delivery
// into zero or one internal events (§4.6).
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/signing"
	"github.com/conductor-sh/conductor/internal/store"
)

const maxDeliveryBodySize = 1 << 20 // 1 MiB

// ignoredEventTypes are accepted, persisted, and never enqueued (§4.5 step 9).
var ignoredEventTypes = map[string]bool{
	"ping":                      true,
	"installation":              true,
	"installation_repositories": true,
}

// Receiver handles the forge's webhook POST endpoint.
type Receiver struct {
	store       *store.Store
	queue       *queue.Client
	signer      *signing.Signer
	development bool
	log         *zap.Logger
}

// New builds a Receiver. signer may be nil only when development is true
// (unsigned webhooks accepted only in development, §7).
func New(s *store.Store, q *queue.Client, signer *signing.Signer, development bool, log *zap.Logger) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{store: s, queue: q, signer: signer, development: development, log: log.Named("webhook")}
}

// ServeHTTP implements §4.5's strictly-ordered steps.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	deliveryID := req.Header.Get("delivery-id")
	eventType := req.Header.Get("event-type")
	signature := req.Header.Get("signature")
	if deliveryID == "" || eventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing delivery-id or event-type header"})
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxDeliveryBodySize)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return
	}
	defer req.Body.Close()

	signatureValid := r.verifySignature(signature, body)
	if !signatureValid && r.signer != nil {
		r.recordFailed(ctx, deliveryID, eventType, body, "invalid signature")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}
	if r.signer == nil && !r.development {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "webhook secret not configured"})
		return
	}

	var envelope struct {
		Action     string `json:"action"`
		Repository struct {
			NodeID string `json:"node_id"`
		} `json:"repository"`
		Sender struct {
			NodeID string `json:"node_id"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON payload"})
		return
	}

	summary := summarize(eventType, envelope.Action, body)
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	hash := sha256.Sum256(body)

	db, err := r.store.DB()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	_, duplicate, err := store.InsertWebhookDeliveryIgnoreDuplicate(ctx, db, store.WebhookDelivery{
		DeliveryID: deliveryID, EventType: eventType, Action: envelope.Action,
		RepositoryNodeID: envelope.Repository.NodeID, SenderNodeID: envelope.Sender.NodeID,
		PayloadSummaryJSON: string(summaryJSON), PayloadHash: hex.EncodeToString(hash[:]),
		SignatureValid: signatureValid, Status: store.DeliveryReceived,
	})
	if err != nil {
		r.log.Error("persist webhook delivery", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	if ignoredEventTypes[eventType] {
		_ = store.UpdateWebhookDeliveryStatus(ctx, db, deliveryID, store.DeliveryIgnored, "", "", "ignored event type", true)
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	jobPayload, err := json.Marshal(map[string]any{
		"deliveryId": deliveryID, "eventType": eventType, "action": envelope.Action,
		"repositoryNodeId": envelope.Repository.NodeID, "payloadSummary": summary,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	if _, err := r.queue.AddJob(ctx, queue.Webhooks, deliveryID, jobPayload); err != nil {
		r.log.Error("enqueue webhook job", zap.String("delivery_id", deliveryID), zap.Error(err))
		_ = store.UpdateWebhookDeliveryStatus(ctx, db, deliveryID, store.DeliveryFailed, "", "enqueue failed", "", false)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "enqueue failed"})
		return
	}
	_ = store.UpdateWebhookDeliveryStatus(ctx, db, deliveryID, store.DeliveryProcessing, deliveryID, "", "", false)

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (r *Receiver) verifySignature(signature string, body []byte) bool {
	if r.signer == nil {
		return false
	}
	const prefix = "sha256="
	sig := signature
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		sig = sig[len(prefix):]
	}
	return r.signer.VerifyRaw(body, sig)
}

func (r *Receiver) recordFailed(ctx context.Context, deliveryID, eventType string, body []byte, reason string) {
	db, err := r.store.DB()
	if err != nil {
		return
	}
	hash := sha256.Sum256(body)
	_, _, _ = store.InsertWebhookDeliveryIgnoreDuplicate(ctx, db, store.WebhookDelivery{
		DeliveryID: deliveryID, EventType: eventType, PayloadHash: hex.EncodeToString(hash[:]),
		SignatureValid: false, Status: store.DeliveryFailed, Error: reason,
	})
}

// summarize extracts only the fields orchestration needs, never persisting
// the raw payload (§4.5 step 5).
func summarize(eventType, action string, body []byte) map[string]any {
	var full struct {
		Repository struct {
			NodeID   string `json:"node_id"`
			FullName string `json:"full_name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
		PullRequest struct {
			Number int    `json:"number"`
			State  string `json:"state"`
			Merged bool   `json:"merged"`
		} `json:"pull_request"`
		Issue struct {
			Number int `json:"number"`
		} `json:"issue"`
		CheckRun struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_run"`
	}
	_ = json.Unmarshal(body, &full)

	summary := map[string]any{
		"eventType":        eventType,
		"action":           action,
		"repositoryNodeId": full.Repository.NodeID,
		"repositoryName":   full.Repository.FullName,
		"senderLogin":      full.Sender.Login,
	}
	if full.PullRequest.Number != 0 {
		summary["pullRequestNumber"] = full.PullRequest.Number
		summary["pullRequestState"] = full.PullRequest.State
		summary["pullRequestMerged"] = full.PullRequest.Merged
	}
	if full.Issue.Number != 0 {
		summary["issueNumber"] = full.Issue.Number
	}
	if full.CheckRun.Status != "" {
		summary["checkStatus"] = full.CheckRun.Status
		summary["checkConclusion"] = full.CheckRun.Conclusion
	}
	return summary
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
