// Package sse is the authenticated SSE stream endpoint (C12): replay with
// cursor on reconnect, live fan-out from the event bus, a 30s heartbeat,
// and run-once teardown on client disconnect (§4.12).
package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/store"
)

const (
	replayLimit       = 100
	replayMaxAge      = 5 * time.Minute
	heartbeatInterval = 30 * time.Second
	subscriberBuffer  = 64
)

// UserIdentifier resolves the authenticated user id for an incoming stream
// request. Narrowed to this one method so the stream handler can be tested
// without standing up the real session cookie machinery (C13).
type UserIdentifier interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// UserIdentifierFunc adapts a function to UserIdentifier.
type UserIdentifierFunc func(r *http.Request) (string, error)

func (f UserIdentifierFunc) UserIDFromRequest(r *http.Request) (string, error) { return f(r) }

// Handler serves GET /events/stream.
type Handler struct {
	log   *events.Log
	store *store.Store
	users UserIdentifier
	zlog  *zap.Logger
}

func New(log *events.Log, s *store.Store, users UserIdentifier, zlog *zap.Logger) *Handler {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Handler{log: log, store: s, users: users, zlog: zlog.Named("sse")}
}

// frame is the JSON body of a `data:` line for a delivered event.
type frame struct {
	Sequence  int64     `json:"sequence"`
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId,omitempty"`
	Type      string    `json:"type"`
	Class     string    `json:"class"`
	Payload   string    `json:"payload"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type refreshRequiredFrame struct {
	Kind string `json:"kind"`
}

func toFrame(e store.Event) frame {
	f := frame{
		Sequence: e.Sequence, ID: e.ID, ProjectID: e.ProjectID,
		Type: e.Type, Class: e.Class, Payload: e.PayloadJSON, Source: e.Source, CreatedAt: e.CreatedAt,
	}
	if e.RunID != nil {
		f.RunID = *e.RunID
	}
	return f
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.users.UserIDFromRequest(r)
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	db, err := h.store.DB()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	projects, err := store.ListProjectsByUser(r.Context(), db, userID)
	if err != nil {
		h.zlog.Error("list projects for user", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	projectIDs := make([]string, len(projects))
	allowed := make(map[string]bool, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
		allowed[p.ID] = true
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := idgen.New(idgen.PrefixStreamSub)
	ch, unsubscribe := h.log.Subscribe(subID, subscriberBuffer)

	var cleanupOnce sync.Once
	ticker := time.NewTicker(heartbeatInterval)
	cleanup := func() {
		cleanupOnce.Do(func() {
			ticker.Stop()
			unsubscribe()
		})
	}
	defer cleanup()

	lastSentSeq := h.replay(r.Context(), w, flusher, r, projectIDs)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			if e.Sequence <= lastSentSeq {
				continue
			}
			if !allowed[e.ProjectID] {
				continue
			}
			if err := writeEventFrame(w, e); err != nil {
				return
			}
			flusher.Flush()
			lastSentSeq = e.Sequence
		}
	}
}

// replay resolves Last-Event-ID and writes the replay frames, returning the
// sequence number the client should be considered caught up through.
func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, r *http.Request, projectIDs []string) int64 {
	header := r.Header.Get("Last-Event-ID")
	if header == "" {
		return 0
	}
	since, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return 0
	}

	rows, err := h.log.Replay(ctx, since, projectIDs, replayLimit+1)
	if err != nil {
		h.zlog.Error("replay events", zap.Error(err))
		return since
	}
	if len(rows) == 0 {
		return since
	}

	overThreshold := len(rows) > replayLimit
	for _, e := range rows {
		if time.Since(e.CreatedAt) > replayMaxAge {
			overThreshold = true
			break
		}
	}
	if overThreshold {
		body, _ := json.Marshal(refreshRequiredFrame{Kind: "refresh_required"})
		if _, err := w.Write([]byte("data: " + string(body) + "\n\n")); err == nil {
			flusher.Flush()
		}
		return since
	}

	last := since
	for _, e := range rows {
		if err := writeEventFrame(w, e); err != nil {
			return last
		}
		last = e.Sequence
	}
	flusher.Flush()
	return last
}

func writeEventFrame(w http.ResponseWriter, e store.Event) error {
	body, err := json.Marshal(toFrame(e))
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("id: " + strconv.FormatInt(e.Sequence, 10) + "\ndata: " + string(body) + "\n\n"))
	return err
}
