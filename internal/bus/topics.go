package bus

const (
	// TopicRunUpdated carries a runs.Run snapshot, at most once per flush tick per run.
	TopicRunUpdated = "run.updated"
	// TopicRunFinished carries the final runs.Run snapshot.
	TopicRunFinished = "run.finished"

	TopicStepChanged    = "workflow.step_changed"
	TopicSessionChanged = "workflow.session_changed"

	TopicReconciled = "reconcile.skill"

	TopicProcessSpawned = "pool.spawned"
	TopicProcessExited  = "pool.exited"
)

// StepChangedEvent is published on every step status transition.
type StepChangedEvent struct {
	Skill     string
	SessionID string
	Step      int
	StepID    string
	From      string
	To        string
}

// SessionChangedEvent is published when a workflow session starts or ends.
type SessionChangedEvent struct {
	Skill     string
	SessionID string
	Status    string
}

// ReconciledEvent is published per skill after the startup pass.
type ReconciledEvent struct {
	Skill     string
	Scenario  string
	Mutations int
	Detail    string
}

// ProcessEvent is published when the pool spawns or reaps a process.
type ProcessEvent struct {
	Key      string
	RunID    string
	PID      int
	ExitCode int
	Reason   string
}
