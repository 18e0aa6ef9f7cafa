package runstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// RunState is the per-run metadata document (adw_state.json).
// Fields other than the ones modelled here pass through untouched.
type RunState struct {
	IssueNumber    int
	RepositorySlug string

	extra map[string]json.RawMessage
}

// HasIssue reports whether an issue number has been assigned
func (s *RunState) HasIssue() bool {
	return s.IssueNumber > 0
}

// Field returns a pass-through field by key
func (s *RunState) Field(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

func (s RunState) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.extra)+2)
	for k, v := range s.extra {
		out[k] = v
	}
	if s.IssueNumber > 0 {
		out["issue_number"] = s.IssueNumber
	}
	if s.RepositorySlug != "" {
		out["repository_slug"] = s.RepositorySlug
	}
	return json.Marshal(out)
}

func (s *RunState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["issue_number"]; ok {
		n, err := parseIssueNumber(v)
		if err != nil {
			return err
		}
		s.IssueNumber = n
		delete(raw, "issue_number")
	}
	if v, ok := raw["repository_slug"]; ok {
		if err := json.Unmarshal(v, &s.RepositorySlug); err != nil {
			return fmt.Errorf("repository_slug: %w", err)
		}
		delete(raw, "repository_slug")
	}
	s.extra = raw
	return nil
}

// parseIssueNumber accepts both 42 and "42"; null yields zero
func parseIssueNumber(v json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, nil
	}
	var str *string
	if err := json.Unmarshal(v, &str); err != nil {
		return 0, fmt.Errorf("issue_number: %w", err)
	}
	if str == nil || *str == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(*str)
	if err != nil {
		return 0, fmt.Errorf("issue_number: %w", err)
	}
	return n, nil
}

// ProcessEntry records one launched phase process (session_pids.json)
type ProcessEntry struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Command   string    `json:"command"`
}

// ProcessLedger maps phase name to its most recent launch
type ProcessLedger map[string]ProcessEntry

// PhaseEntry is one phase's recorded status
type PhaseEntry struct {
	Status    domain.PhaseStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
	Details   string             `json:"details,omitempty"`
}

// StatusDocument is the phase status ledger (orchestration_status.json).
// Unknown top-level fields pass through untouched.
type StatusDocument struct {
	ADWID        string
	CurrentPhase string
	Phases       map[string]PhaseEntry

	extra map[string]json.RawMessage
}

func (d StatusDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+3)
	for k, v := range d.extra {
		out[k] = v
	}
	phases := d.Phases
	if phases == nil {
		phases = map[string]PhaseEntry{}
	}
	out["adw_id"] = d.ADWID
	out["current_phase"] = d.CurrentPhase
	out["phases"] = phases
	return json.Marshal(out)
}

func (d *StatusDocument) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, dst := range map[string]any{
		"adw_id":        &d.ADWID,
		"current_phase": &d.CurrentPhase,
		"phases":        &d.Phases,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		delete(raw, key)
	}
	d.extra = raw
	return nil
}
