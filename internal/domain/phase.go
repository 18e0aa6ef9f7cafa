package domain

// PhaseDefinition describes how to launch one phase
type PhaseDefinition struct {
	Name             string
	Command          string
	RequiresRunID    bool
	CompletionMarker string
}

// Args returns the arguments passed to the tool for this phase
func (p PhaseDefinition) Args(runID RunID) []string {
	if p.RequiresRunID {
		return []string{p.Command, runID.String()}
	}
	return []string{p.Command}
}

// ChainDefinition is an ordered list of phases plus the events that select it
type ChainDefinition struct {
	Name          string
	Phases        []string
	TriggerEvents []string
	NextChain     string
}

// HandlesEvent reports whether the chain is bound to event
func (c ChainDefinition) HandlesEvent(event string) bool {
	for _, e := range c.TriggerEvents {
		if e == event {
			return true
		}
	}
	return false
}
