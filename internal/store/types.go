package store

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskBlocked TaskStatus = "blocked"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// BlockReason explains why a task is blocked.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockNeedsRework   BlockReason = "needs_rework"
	BlockAwaitingJudge BlockReason = "awaiting_judge"
)

// Task roles.
const (
	RoleWorker = "worker"
	RoleDocser = "docser"
)

// Task kinds.
const (
	KindCode     = "code"
	KindResearch = "research"
)

// TaskContext is the typed portion of a task's free-form context blob.
// Unknown subfields pass through in Extra.
type TaskContext struct {
	PRNumber              int               `json:"prNumber,omitempty"`
	BranchName            string            `json:"branchName,omitempty"`
	SourceTaskID          string            `json:"sourceTaskId,omitempty"`
	PolicyViolations      []string          `json:"policyViolations,omitempty"`
	LLMIssues             []string          `json:"llmIssues,omitempty"`
	PreviousFailureReason string            `json:"previousFailureReason,omitempty"`
	LatestRetryReason     string            `json:"latestRetryReason,omitempty"`
	LatestAutoFixFailure  string            `json:"latestAutoFixFailure,omitempty"`
	Extra                 map[string]string `json:"extra,omitempty"`
}

// Task is the unit of work the judge arbitrates.
type Task struct {
	ID             string
	Title          string
	Goal           string
	Role           string
	Status         TaskStatus
	BlockReason    BlockReason
	RiskLevel      string
	Priority       int
	AllowedPaths   []string
	DeniedCommands []string
	Commands       []string
	DependsOn      []string
	RetryCount     int
	TimeboxMinutes int
	Kind           string
	Context        TaskContext
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one attempt at executing a task. A run is eligible for judgement
// iff Status == success and JudgedAt is nil.
type Run struct {
	ID               string
	TaskID           string
	Status           RunStatus
	StartedAt        time.Time
	FinishedAt       *time.Time
	ErrorMessage     string
	JudgedAt         *time.Time
	JudgementVersion int
}

// ArtifactType classifies a run output.
type ArtifactType string

const (
	ArtifactPR           ArtifactType = "pr"
	ArtifactWorktree     ArtifactType = "worktree"
	ArtifactBaseRepoDiff ArtifactType = "base_repo_diff"
)

// ArtifactMetadata is the typed portion of an artifact metadata blob.
type ArtifactMetadata struct {
	BaseBranch   string            `json:"baseBranch,omitempty"`
	BranchName   string            `json:"branchName,omitempty"`
	BaseRepoPath string            `json:"baseRepoPath,omitempty"`
	Truncated    bool              `json:"truncated,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Artifact is an immutable run output.
type Artifact struct {
	ID        string
	RunID     string
	Type      ArtifactType
	Ref       string
	URL       string
	Metadata  ArtifactMetadata
	CreatedAt time.Time
}

// Event types recorded by the judge. The vocabulary is closed: dashboards and
// alerting key on these strings.
const (
	EventJudgeReview              = "judge.review"
	EventTaskRequeued             = "judge.task_requeued"
	EventTaskRecovered            = "judge.task_recovered"
	EventAutoFixCreated           = "judge.autofix_task_created"
	EventConflictAutoFixCreated   = "judge.conflict_autofix_task_created"
	EventMainlineRecreateCreated  = "judge.mainline_recreate_task_created"
	EventBaseRepoStashed          = "judge.base_repo_stashed"
	EventBaseRepoRecoveryDecision = "judge.base_repo_recovery_decision"
	EventMergeQueueEnqueued       = "judge.merge_queue_enqueued"
	EventMergeQueueClaimRecovered = "judge.merge_queue_claim_recovered"
	EventMergeQueueMerged         = "judge.merge_queue_merged"
	EventMergeQueueRetried        = "judge.merge_queue_retried"
	EventMergeQueueFailed         = "judge.merge_queue_failed"
	EventDocserTaskCreated        = "docser.task_created"
)

// Event is an append-only audit record.
type Event struct {
	ID         string
	Type       string
	EntityType string
	EntityID   string
	AgentID    string
	Payload    map[string]any
	CreatedAt  time.Time
}

// QueueStatus is the lifecycle state of a merge queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueMerged     QueueStatus = "merged"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// MergeQueueItem is an approved PR awaiting merge.
type MergeQueueItem struct {
	ID             string
	PRNumber       int
	TaskID         string
	RunID          string
	Status         QueueStatus
	Priority       int
	AttemptCount   int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LastError      string
	ClaimOwner     string
	ClaimToken     string
	ClaimExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentStatus is the liveness state of a judge process.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a judge process registered in the store.
type Agent struct {
	ID            string
	Role          string
	Status        AgentStatus
	CurrentTaskID string
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// PendingCandidate is one (task, run, artifact) tuple ready for judgement,
// yielded by the pending scanner.
type PendingCandidate struct {
	RunID        string
	TaskID       string
	StartedAt    time.Time
	ArtifactType ArtifactType

	// PR candidates
	PRNumber int
	PRURL    string

	// Worktree candidates
	WorktreePath string
	BaseBranch   string
	BranchName   string
	BaseRepoPath string

	// Task attributes the evaluator needs
	TaskTitle      string
	TaskGoal       string
	TaskRiskLevel  string
	AllowedPaths   []string
	DeniedCommands []string
	Commands       []string
	Priority       int
	RetryCount     int
}
