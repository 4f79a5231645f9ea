package domain

// Job statuses.
const (
	JobPending    = "pending"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobArchived   = "archived"
)

// Task statuses. Transitions are pending -> in_progress -> completed|failed,
// with failed -> pending only via the retry and evolution paths.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Failure classifications recorded on the task row. error_log stays free
// text; classification is the machine-readable column.
const (
	ClassRetryable     = "retryable"
	ClassNonRetryable  = "non_retryable"
	ClassRateLimited   = "rate_limited"
	ClassValidation    = "validation"
	ClassTimeout       = "timeout"
	ClassOrchestration = "orchestration"
	ClassZombie        = "zombie"
	ClassCancelled     = "cancelled"
)

// System event types.
const (
	EventTaskClaimed         = "task.claimed"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskRetrying        = "task.retrying"
	EventTaskZombieRecovered = "task.zombie_recovered"
	EventPromptInstalled     = "prompt.installed"
	EventPromptRolledBack    = "prompt.rolled_back"
	EventEvolutionTriggered  = "evolution.triggered"
	EventEvolutionApplied    = "evolution.applied"
	EventJobCompleted        = "job.completed"
	EventJobFailed           = "job.failed"
)
