package store

import "time"

// Phase is a run's canonical high-level lifecycle state.
type Phase string

const (
	PhasePending              Phase = "pending"
	PhasePlanning             Phase = "planning"
	PhaseAwaitingPlanApproval Phase = "awaiting_plan_approval"
	PhaseExecuting            Phase = "executing"
	PhaseAwaitingReview       Phase = "awaiting_review"
	PhaseBlocked              Phase = "blocked"
	PhaseCompleted            Phase = "completed"
	PhaseCancelled            Phase = "cancelled"
)

// TerminalPhases are phases a run never leaves.
var TerminalPhases = map[Phase]bool{
	PhaseCompleted: true,
	PhaseCancelled: true,
}

// GateKind distinguishes human gates from automatically evaluated ones.
type GateKind string

const (
	GateKindHuman     GateKind = "human"
	GateKindAutomatic GateKind = "automatic"
)

// GateStatus is the outcome of a single gate evaluation.
type GateStatus string

const (
	GateStatusPending GateStatus = "pending"
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
)

// OverrideScope bounds how broadly a granted policy exception applies.
type OverrideScope string

const (
	ScopeThisRun     OverrideScope = "this_run"
	ScopeThisTask    OverrideScope = "this_task"
	ScopeThisRepo    OverrideScope = "this_repo"
	ScopeProjectWide OverrideScope = "project_wide"
)

// WorktreeStatus tracks a checkout's lifecycle on disk.
type WorktreeStatus string

const (
	WorktreeActive   WorktreeStatus = "active"
	WorktreeCleaned  WorktreeStatus = "cleaned"
	WorktreeOrphaned WorktreeStatus = "orphaned"
)

// RepoStatus tracks a repository's sync lifecycle.
type RepoStatus string

const (
	RepoActive   RepoStatus = "active"
	RepoInactive RepoStatus = "inactive"
	RepoSyncing  RepoStatus = "syncing"
	RepoError    RepoStatus = "error"
)

// DeliveryStatus tracks a webhook delivery row's processing lifecycle.
type DeliveryStatus string

const (
	DeliveryReceived   DeliveryStatus = "received"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryProcessed  DeliveryStatus = "processed"
	DeliveryIgnored    DeliveryStatus = "ignored"
	DeliveryFailed     DeliveryStatus = "failed"
)

// WriteStatus tracks an outbox row's delivery lifecycle.
type WriteStatus string

const (
	WriteStatusPending   WriteStatus = "pending"
	WriteStatusInFlight  WriteStatus = "in_flight"
	WriteStatusCompleted WriteStatus = "completed"
	WriteStatusFailed    WriteStatus = "failed"
	WriteStatusCancelled WriteStatus = "cancelled"
)

// User is an identity sourced from the code-forge.
type User struct {
	ID                   string
	ForgeUserID          string
	ForgeLogin           string
	Status               string
	EncryptedAccessToken string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Project is a configured workspace owning repositories.
type Project struct {
	ID                  string
	UserID              string
	ForgeOrgID          string
	ForgeOrgLogin       string
	ForgeInstallationID string
	DefaultBranch       string
	PortRangeStart      int
	PortRangeEnd        int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Repo is one source repository inside a project.
type Repo struct {
	ID            string
	ProjectID     string
	ForgeRepoID   string
	ForgeNodeID   string
	Owner         string
	Name          string
	DefaultBranch string
	ProfileID     string
	Status        RepoStatus
	LastFetchedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is a unit of work, typically a forge issue.
type Task struct {
	ID            string
	ProjectID     string
	RepoID        string
	ForgeIssueID  string
	ForgeNodeID   string
	Title         string
	Body          string
	State         string
	LabelsJSON    string
	ActiveRunID   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Run is one attempt to resolve a task.
type Run struct {
	ID                 string
	TaskID             string
	ProjectID          string
	RepoID             string
	RunNumber          int
	Branch             string
	HeadCommit         string
	BaseBranch         string
	Phase              Phase
	Step               string
	Status             string
	Result             string
	ResultReason       string
	PlanRevisions      int
	BlockedReason      string
	BlockedContextJSON string
	StartedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	LastEventSequence  int64
}

// GateDefinition is a static, idempotently-seeded gate description.
type GateDefinition struct {
	ID                string
	Kind              GateKind
	Description       string
	DefaultConfigJSON string
	CreatedAt         time.Time
}

// GateEvaluation is an append-only record of one gate check.
type GateEvaluation struct {
	ID                string
	RunID             string
	GateID            string
	Kind              GateKind
	Status            GateStatus
	Reason            string
	DetailsJSON       string
	CausationEventID  string
	CausationSequence int64
	DurationMs        int64
	EvaluatedAt       time.Time
}

// OperatorAction is an append-only audit record of an operator-triggered
// phase transition.
type OperatorAction struct {
	ID         string
	RunID      string
	ActorID    string
	ActorType  string
	ActionKind string
	Comment    string
	FromPhase  string
	ToPhase    string
	CreatedAt  time.Time
}

// Override is a granted policy exception.
type Override struct {
	ID              string
	RunID           string
	Kind            string
	Scope           OverrideScope
	ConstraintKind  string
	ConstraintValue string
	ConstraintHash  string
	PolicySetID     string
	OperatorID      string
	Justification   string
	CreatedAt       time.Time
}

// Worktree is a filesystem-isolated repository checkout for one run.
type Worktree struct {
	ID                 string
	RunID              string
	ProjectID          string
	RepoID             string
	Path               string
	BranchName         string
	BaseCommit         string
	AllocatedPortsJSON string
	Status             WorktreeStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is an append-only internal fact ordered by a global sequence.
type Event struct {
	Sequence       int64
	ID             string
	ProjectID      string
	RunID          *string
	Type           string
	Class          string
	PayloadJSON    string
	IdempotencyKey string
	Source         string
	CreatedAt      time.Time
}

// WebhookDelivery is a raw external ingress record.
type WebhookDelivery struct {
	DeliveryID        string
	EventType         string
	Action            string
	RepositoryNodeID  string
	SenderNodeID      string
	PayloadSummaryJSON string
	PayloadHash       string
	SignatureValid    bool
	Status            DeliveryStatus
	JobID             string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
	Error             string
	IgnoreReason      string
}

// GithubWrite is a pending external write in the outbox.
type GithubWrite struct {
	ID             string
	RunID          string
	Kind           string
	TargetNodeID   string
	IdempotencyKey string
	PayloadJSON    string
	Status         WriteStatus
	RetryCount     int
	LastError      string
	ResultID       string
	ResultURL      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// AgentInvocationStatus tracks one external agent call's lifecycle (§4.11).
type AgentInvocationStatus string

const (
	AgentInvocationPending   AgentInvocationStatus = "pending"
	AgentInvocationRunning   AgentInvocationStatus = "running"
	AgentInvocationCompleted AgentInvocationStatus = "completed"
	AgentInvocationFailed    AgentInvocationStatus = "failed"
	AgentInvocationTimedOut  AgentInvocationStatus = "timed_out"
)

// AgentInvocation is one external AI agent call made on behalf of a run.
type AgentInvocation struct {
	ID         string
	RunID      string
	AgentKind  string
	Status     AgentInvocationStatus
	TurnIndex  int
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AgentMessage is one turn of an agent invocation's transcript, keyed by
// (invocation_id, turn_index) per §4.11.
type AgentMessage struct {
	InvocationID string
	TurnIndex    int
	Role         string
	Content      string
	CreatedAt    time.Time
}

// PendingInstallation binds a forge installation to an authenticated user
// between OAuth callback and first project creation.
type PendingInstallation struct {
	ID                  string
	UserID              string
	ForgeInstallationID string
	ForgeOrgLogin       string
	CreatedAt           time.Time
}
