package domain

// PhaseStatus represents the lifecycle state of one phase within a run
type PhaseStatus string

const (
	PhasePending             PhaseStatus = "pending"
	PhaseRunning             PhaseStatus = "running"
	PhaseCompleted           PhaseStatus = "completed"
	PhaseCompletedUnverified PhaseStatus = "completed_unverified"
	PhaseFailed              PhaseStatus = "failed"
)

// Terminal reports whether the phase has reached a final status
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseCompleted, PhaseCompletedUnverified, PhaseFailed:
		return true
	}
	return false
}

// Succeeded reports whether the status allows the chain to continue
func (s PhaseStatus) Succeeded() bool {
	return s == PhaseCompleted || s == PhaseCompletedUnverified
}

// ChainStatus represents the state of a chain execution as a whole
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainRunning   ChainStatus = "running"
	ChainSucceeded ChainStatus = "succeeded"
	ChainAborted   ChainStatus = "aborted"
)

// TriggerSource identifies the front-end that started a chain
type TriggerSource string

const (
	TriggerDirect  TriggerSource = "direct"
	TriggerHook    TriggerSource = "hook"
	TriggerWebhook TriggerSource = "webhook"
)
