package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/store"
)

// NormalizeJobPayload matches the `webhooks` job contract (§6).
type NormalizeJobPayload struct {
	DeliveryID       string         `json:"deliveryId"`
	EventType        string         `json:"eventType"`
	Action           string         `json:"action,omitempty"`
	RepositoryNodeID string         `json:"repositoryNodeId,omitempty"`
	PayloadSummary   map[string]any `json:"payloadSummary"`
}

// eventMapping describes which internal event type a (eventType, action)
// pair produces. Combinations absent from this table are ignored (§4.6).
var eventMapping = map[string]string{
	"pull_request:opened":             "webhook.pull_request_opened",
	"pull_request:synchronize":        "webhook.pull_request_synchronized",
	"pull_request:closed":             "webhook.pull_request_closed",
	"pull_request_review:submitted":   "webhook.review_submitted",
	"check_suite:completed":           "webhook.check_suite_completed",
	"issue_comment:created":           "webhook.issue_comment_created",
}

// Normalizer consumes `webhooks` jobs, resolves the target project, and
// appends zero or one internal event per delivery.
type Normalizer struct {
	log  *events.Log
	zlog *zap.Logger
}

// NewNormalizer builds a Normalizer. zlog may be nil.
func NewNormalizer(log *events.Log, zlog *zap.Logger) *Normalizer {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Normalizer{log: log, zlog: zlog.Named("webhook_normalizer")}
}

// Handle is the `webhooks` queue handler.
func (n *Normalizer) Handle(ctx context.Context, payload []byte) error {
	var p NormalizeJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		n.zlog.Error("malformed webhooks payload", zap.Error(err))
		return nil
	}

	db, err := n.log.Store().DB()
	if err != nil {
		return err
	}

	eventType, repo, ignoreReason := n.resolve(ctx, db, p)
	if eventType == "" {
		return store.UpdateWebhookDeliveryStatus(ctx, db, p.DeliveryID, store.DeliveryIgnored, "", "", ignoreReason, true)
	}

	if err := n.log.Store().Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		payloadJSON, err := json.Marshal(p.PayloadSummary)
		if err != nil {
			return err
		}
		_, err = events.Append(ctx, q, events.Draft{
			ProjectID: repo.ProjectID, Type: eventType, Class: events.ClassWebhook,
			PayloadJSON: string(payloadJSON), IdempotencyKey: "delivery:" + p.DeliveryID, Source: "webhook",
		})
		if err != nil {
			return err
		}
		return store.UpdateWebhookDeliveryStatus(ctx, q, p.DeliveryID, store.DeliveryProcessed, "", "", "", true)
	}); err != nil {
		return err
	}

	return nil
}

// resolve maps a delivery to an internal event type and owning repo,
// returning "" and a reason when there is nothing to do — unrecognized
// combination or no project owns the repository (§4.6).
func (n *Normalizer) resolve(ctx context.Context, db store.Querier, p NormalizeJobPayload) (eventType string, repo *store.Repo, ignoreReason string) {
	key := p.EventType
	if p.Action != "" {
		key = fmt.Sprintf("%s:%s", p.EventType, p.Action)
	}
	mapped, ok := eventMapping[key]
	if !ok {
		return "", nil, fmt.Sprintf("unrecognized event/action combination %q", key)
	}

	if p.RepositoryNodeID == "" {
		return "", nil, "no repository on delivery"
	}
	r, err := store.GetRepoByNodeID(ctx, db, p.RepositoryNodeID)
	if err != nil {
		return "", nil, "no project for repository"
	}
	return mapped, r, ""
}
