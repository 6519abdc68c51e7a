// Package runstate is the run phase state machine (C7): the single place
// that decides whether a phase transition is legal and performs it
// atomically with the event that records it.
package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/store"
)

// allowed is the transition table from §4.7, extended with pending ->
// completed for worker-detected startup failures (§4.11 markRunFailed) —
// the base table only gave pending a path to cancelled, which is an
// operator-triggered outcome distinct from a system-detected failure. A
// phase absent from the map, or present with an empty slice, is terminal.
var allowed = map[store.Phase][]store.Phase{
	store.PhasePending: {store.PhasePlanning, store.PhaseCancelled, store.PhaseCompleted},
	store.PhasePlanning: {store.PhaseAwaitingPlanApproval, store.PhaseBlocked, store.PhaseCancelled},
	store.PhaseAwaitingPlanApproval: {store.PhaseExecuting, store.PhasePlanning, store.PhaseCancelled, store.PhaseBlocked},
	store.PhaseExecuting: {store.PhaseAwaitingReview, store.PhaseBlocked, store.PhaseCancelled},
	store.PhaseAwaitingReview: {store.PhaseCompleted, store.PhaseExecuting, store.PhaseBlocked, store.PhaseCancelled},
	store.PhaseBlocked: {store.PhaseExecuting, store.PhasePlanning, store.PhaseCancelled, store.PhaseCompleted},
}

// BlockedReason enumerates the recognized causes for entering PhaseBlocked.
type BlockedReason string

const (
	BlockedGateFailed            BlockedReason = "gate_failed"
	BlockedPolicyExceptionNeeded BlockedReason = "policy_exception_required"
	BlockedRetryLimitExceeded    BlockedReason = "retry_limit_exceeded"
	BlockedEnqueueFailed         BlockedReason = "enqueue_failed"
	BlockedAgentError            BlockedReason = "agent_error"
)

// Input carries every optional field a transition may set, per §4.7's
// transitionPhase signature.
type Input struct {
	ToPhase        store.Phase
	ToStep         string
	TriggeredBy    string
	Reason         string
	Result         *string
	ResultReason   *string
	BlockedReason  *BlockedReason
	BlockedContext map[string]any
}

// IsAllowed reports whether toPhase is a legal destination from fromPhase.
func IsAllowed(fromPhase, toPhase store.Phase) bool {
	for _, p := range allowed[fromPhase] {
		if p == toPhase {
			return true
		}
	}
	return false
}

// Transition performs transitionPhase (§4.7) in its own transaction:
// validates the move, applies it with a compare-and-swap against the
// run's current phase, and appends a run.phase_changed event atomically.
// The event is published to subscribers only once that transaction
// commits.
func Transition(ctx context.Context, log *events.Log, runID string, in Input) (*store.Run, error) {
	return events.Transact(log, ctx, func(ctx context.Context, q store.Querier) (*store.Run, *store.Event, error) {
		return Apply(ctx, q, runID, in)
	})
}

// Apply is Transition's logic without its own transaction boundary, for
// callers that must compose a transition with other work in one
// transaction — e.g. the gate engine's evaluateGatesAndTransition (§4.8),
// which must check gates and transition atomically.
func Apply(ctx context.Context, q store.Querier, runID string, in Input) (*store.Run, *store.Event, error) {
	run, err := store.GetRun(ctx, q, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, apperr.NotFound("transitionPhase", "run not found")
		}
		return nil, nil, apperr.Internal("transitionPhase", "load run", err)
	}

	if _, terminal := store.TerminalPhases[run.Phase]; terminal {
		return nil, nil, apperr.Conflict("transitionPhase", "run is already in a terminal phase")
	}
	if !IsAllowed(run.Phase, in.ToPhase) {
		return nil, nil, apperr.Conflict("transitionPhase",
			fmt.Sprintf("%s -> %s is not a valid transition", run.Phase, in.ToPhase))
	}

	update := store.RunPhaseUpdate{ToPhase: in.ToPhase, ToStep: in.ToStep, Result: in.Result, ResultReason: in.ResultReason}
	if in.ToPhase == store.PhaseBlocked {
		if in.BlockedReason == nil {
			return nil, nil, apperr.Validation("transitionPhase", "blocked_reason is required entering blocked")
		}
		reason := string(*in.BlockedReason)
		ctxJSON, err := blockedContextJSON(run.Phase, in.BlockedContext)
		if err != nil {
			return nil, nil, apperr.Internal("transitionPhase", "marshal blocked context", err)
		}
		update.BlockedReason = &reason
		update.BlockedContextJSON = &ctxJSON
	} else if run.Phase == store.PhaseBlocked {
		update.ClearBlocked = true
	}
	if _, terminal := store.TerminalPhases[in.ToPhase]; terminal {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}

	updated, err := store.UpdateRunPhase(ctx, q, runID, run.Phase, update)
	if err != nil {
		if err == store.ErrPhaseMismatch {
			return nil, nil, apperr.Conflict("transitionPhase", "run phase changed concurrently")
		}
		return nil, nil, apperr.Internal("transitionPhase", "update run phase", err)
	}

	payload, err := json.Marshal(phaseChangedPayload{
		FromPhase:   run.Phase,
		ToPhase:     in.ToPhase,
		ToStep:      in.ToStep,
		TriggeredBy: in.TriggeredBy,
		Reason:      in.Reason,
	})
	if err != nil {
		return nil, nil, apperr.Internal("transitionPhase", "marshal event payload", err)
	}
	evt, err := events.Append(ctx, q, events.Draft{
		ProjectID:      updated.ProjectID,
		RunID:          updated.ID,
		Type:           "run.phase_changed",
		Class:          events.ClassRun,
		PayloadJSON:    string(payload),
		IdempotencyKey: fmt.Sprintf("run.phase_changed:%s:%s:%s", updated.ID, run.Phase, in.ToPhase),
		Source:         in.TriggeredBy,
	})
	if err != nil {
		if err == store.ErrDuplicate {
			return updated, nil, nil
		}
		return nil, nil, apperr.Internal("transitionPhase", "append phase change event", err)
	}
	if err := store.SetRunLastEventSequence(ctx, q, updated.ID, evt.Sequence); err != nil {
		return nil, nil, apperr.Internal("transitionPhase", "set last event sequence", err)
	}
	return updated, evt, nil
}

type phaseChangedPayload struct {
	FromPhase   store.Phase `json:"fromPhase"`
	ToPhase     store.Phase `json:"toPhase"`
	ToStep      string      `json:"toStep,omitempty"`
	TriggeredBy string      `json:"triggeredBy,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

func blockedContextJSON(priorPhase store.Phase, extra map[string]any) (string, error) {
	ctxMap := map[string]any{"prior_phase": string(priorPhase)}
	for k, v := range extra {
		ctxMap[k] = v
	}
	b, err := json.Marshal(ctxMap)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
