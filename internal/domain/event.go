package domain

import "time"

// EventType distinguishes phase transitions from chain transitions
type EventType string

const (
	EventPhaseStatus EventType = "phase_status"
	EventChainStatus EventType = "chain_status"
)

// Event is published whenever a phase or chain changes state
type Event struct {
	Type        EventType     `json:"type"`
	ExecutionID string        `json:"execution_id"`
	RunID       RunID         `json:"adw_id"`
	Chain       string        `json:"chain"`
	Phase       string        `json:"phase,omitempty"`
	PhaseStatus PhaseStatus   `json:"phase_status,omitempty"`
	ChainStatus ChainStatus   `json:"chain_status,omitempty"`
	Trigger     TriggerSource `json:"trigger,omitempty"`
	Details     string        `json:"details,omitempty"`
	ExitCode    int           `json:"exit_code,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
	Time        time.Time     `json:"time"`
}
