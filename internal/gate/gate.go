// Package gate is the gate engine (C8): built-in gate definitions, gate
// evaluation recording, derived gate state, and the gate-check-then-
// transition composition used by operator actions like approve_plan.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/runstate"
	"github.com/conductor-sh/conductor/internal/store"
)

// Built-in gate ids (§4.8).
const (
	PlanApproval = "plan_approval"
	TestsPass    = "tests_pass"
	CodeReview   = "code_review"
	MergeWait    = "merge_wait"
)

// requiredForPhase lists the gates that must all be passed before a run
// may leave fromPhase via evaluateGatesAndTransition. Only phases with an
// operator- or worker-driven gated exit need an entry; phases that always
// transition unconditionally (e.g. pending, planning) are absent.
var requiredForPhase = map[store.Phase][]string{
	store.PhaseAwaitingPlanApproval: {PlanApproval},
	store.PhaseAwaitingReview:       {MergeWait},
}

// EnsureBuiltInGateDefinitions idempotently seeds the four built-in gates
// at startup. Existing rows (and any operator edits to them) are left
// untouched.
func EnsureBuiltInGateDefinitions(ctx context.Context, s *store.Store) error {
	db, err := s.DB()
	if err != nil {
		return err
	}
	defs := []store.GateDefinition{
		{ID: PlanApproval, Kind: store.GateKindHuman, Description: "human sign-off on the generated plan",
			DefaultConfigJSON: `{"required":true,"timeout_hours":72,"reminder_hours":24}`},
		{ID: TestsPass, Kind: store.GateKindAutomatic, Description: "automated test suite passes",
			DefaultConfigJSON: `{"max_retries":3,"timeout_minutes":15,"allow_skip":false}`},
		{ID: CodeReview, Kind: store.GateKindAutomatic, Description: "automated code review passes",
			DefaultConfigJSON: `{"max_rounds":3,"allow_accept_with_issues":true}`},
		{ID: MergeWait, Kind: store.GateKindHuman, Description: "human approval to merge",
			DefaultConfigJSON: `{"required":true,"timeout_hours":72}`},
	}
	for _, d := range defs {
		if err := store.UpsertGateDefinition(ctx, db, d); err != nil {
			return fmt.Errorf("gate: seed %s: %w", d.ID, err)
		}
	}
	return nil
}

// CreateEvaluation appends a gate evaluation row (§4.8).
func CreateEvaluation(ctx context.Context, q store.Querier, runID, gateID string, kind store.GateKind, status store.GateStatus,
	reason, detailsJSON, causationEventID string, causationSequence int64, durationMs int64) (*store.GateEvaluation, error) {
	return store.InsertGateEvaluation(ctx, q, store.GateEvaluation{
		ID: idgen.New(idgen.PrefixGateEval), RunID: runID, GateID: gateID, Kind: kind, Status: status,
		Reason: reason, DetailsJSON: detailsJSON, CausationEventID: causationEventID, CausationSequence: causationSequence,
		DurationMs: durationMs,
	})
}

// DeriveGateState returns gateId -> status for every gate with at least
// one evaluation, applying getLatestGateEvaluation per gate (§4.8).
func DeriveGateState(ctx context.Context, q store.Querier, runID string) (map[string]store.GateStatus, error) {
	evals, err := store.ListGateEvaluationsForRun(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("gate: derive state: %w", err)
	}
	out := make(map[string]store.GateStatus, len(evals))
	for id, e := range evals {
		out[id] = e.Status
	}
	return out, nil
}

// CheckResult is the outcome of checking a phase's required gates.
type CheckResult struct {
	AllPassed bool
	BlockedBy string // first required gate id not passed, if any
}

func checkRequiredGates(ctx context.Context, q store.Querier, runID string, fromPhase store.Phase) (CheckResult, error) {
	required := requiredForPhase[fromPhase]
	if len(required) == 0 {
		return CheckResult{AllPassed: true}, nil
	}
	state, err := DeriveGateState(ctx, q, runID)
	if err != nil {
		return CheckResult{}, err
	}
	for _, gateID := range required {
		if state[gateID] != store.GateStatusPassed {
			return CheckResult{AllPassed: false, BlockedBy: gateID}, nil
		}
	}
	return CheckResult{AllPassed: true}, nil
}

// gatesAndTransitionResult is the value events.Transact carries out of the
// transaction for EvaluateGatesAndTransition.
type gatesAndTransitionResult struct {
	check   CheckResult
	run     *store.Run
	gateErr error
}

// EvaluateGatesAndTransition is the atomic C8/C7 composition described in
// §4.8: within one transaction, check every required gate for fromPhase,
// and only if all are passed perform the transition. If the check fails,
// no transition occurs and the returned *store.Run is nil; the failed
// check itself is not an error the transaction rolls back on, since a
// failed gate check is an expected, reportable outcome rather than a
// defect — only unexpected errors abort the transaction.
func EvaluateGatesAndTransition(ctx context.Context, log *events.Log, runID string, fromPhase store.Phase, in runstate.Input) (CheckResult, *store.Run, error) {
	result, err := events.Transact(log, ctx, func(ctx context.Context, q store.Querier) (gatesAndTransitionResult, *store.Event, error) {
		check, err := checkRequiredGates(ctx, q, runID, fromPhase)
		if err != nil {
			return gatesAndTransitionResult{}, nil, apperr.Internal("evaluateGatesAndTransition", "check gates", err)
		}
		if !check.AllPassed {
			gateErr := apperr.Conflict("evaluateGatesAndTransition",
				fmt.Sprintf("gate %q is not passed — cannot leave %s", check.BlockedBy, fromPhase))
			return gatesAndTransitionResult{check: check, gateErr: gateErr}, nil, nil
		}

		run, evt, err := runstate.Apply(ctx, q, runID, in)
		if err != nil {
			return gatesAndTransitionResult{}, nil, err
		}
		return gatesAndTransitionResult{check: check, run: run}, evt, nil
	})
	if err != nil {
		return CheckResult{}, nil, err
	}
	return result.check, result.run, result.gateErr
}

// gateTimeoutConfig is the subset of a gate's default_config_json the
// timeout sweep reads. Gates that set neither field (code_review, as seeded
// by EnsureBuiltInGateDefinitions) never time out.
type gateTimeoutConfig struct {
	TimeoutHours   float64 `json:"timeout_hours"`
	TimeoutMinutes float64 `json:"timeout_minutes"`
}

// timeoutFor parses a gate's configured timeout out of its
// default_config_json. The second return is false when the gate has no
// timeout configured at all, as opposed to a zero duration.
func timeoutFor(configJSON string) (time.Duration, bool) {
	if configJSON == "" {
		return 0, false
	}
	var c gateTimeoutConfig
	if err := json.Unmarshal([]byte(configJSON), &c); err != nil {
		return 0, false
	}
	switch {
	case c.TimeoutHours > 0:
		return time.Duration(c.TimeoutHours * float64(time.Hour)), true
	case c.TimeoutMinutes > 0:
		return time.Duration(c.TimeoutMinutes * float64(time.Minute)), true
	default:
		return 0, false
	}
}

// TimedOutRunIDs scans every run sitting in a gated phase and returns the
// ids whose first unresolved required gate has been pending longer than
// that gate's configured timeout (§4.8 gate config, §4.11/§5 run phase
// timeout). now is a parameter rather than time.Now() so the sweep is
// deterministic to test.
func TimedOutRunIDs(ctx context.Context, q store.Querier, now time.Time) ([]string, error) {
	phases := make([]store.Phase, 0, len(requiredForPhase))
	for p := range requiredForPhase {
		phases = append(phases, p)
	}
	runs, err := store.ListRunsInPhases(ctx, q, phases...)
	if err != nil {
		return nil, fmt.Errorf("gate: list runs in gated phases: %w", err)
	}

	var timedOut []string
	for _, run := range runs {
		elapsed := now.Sub(run.UpdatedAt)
		state, err := DeriveGateState(ctx, q, run.ID)
		if err != nil {
			return nil, fmt.Errorf("gate: derive state for %s: %w", run.ID, err)
		}
		for _, gateID := range requiredForPhase[run.Phase] {
			if state[gateID] == store.GateStatusPassed {
				continue
			}
			def, err := store.GetGateDefinition(ctx, q, gateID)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return nil, fmt.Errorf("gate: load definition %s: %w", gateID, err)
			}
			if timeout, ok := timeoutFor(def.DefaultConfigJSON); ok && elapsed >= timeout {
				timedOut = append(timedOut, run.ID)
			}
			break // the phase is blocked on the first unpassed required gate
		}
	}
	return timedOut, nil
}

// GetRunsAwaitingGates wraps store.ListRunsAwaitingGates (§4.8).
func GetRunsAwaitingGates(ctx context.Context, s *store.Store, projectID string) ([]store.Run, error) {
	db, err := s.DB()
	if err != nil {
		return nil, err
	}
	return store.ListRunsAwaitingGates(ctx, db, projectID)
}
