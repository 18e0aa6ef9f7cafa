package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
)

// ChainSink sends one notification for every finished chain execution
type ChainSink struct {
	notifier Notifier
	logger   *logging.Logger

	mu    sync.Mutex
	execs map[string]*execution
}

type execution struct {
	finished int
	failure  string // details of the last failed phase
}

// NewChainSink wraps notifier as an event sink
func NewChainSink(notifier Notifier, logger *logging.Logger) *ChainSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ChainSink{notifier: notifier, logger: logger, execs: make(map[string]*execution)}
}

// Publish counts finished phases and notifies when the chain ends
func (s *ChainSink) Publish(ev domain.Event) {
	switch ev.Type {
	case domain.EventPhaseStatus:
		if !ev.PhaseStatus.Terminal() {
			return
		}
		s.mu.Lock()
		x := s.execs[ev.ExecutionID]
		if x == nil {
			x = &execution{}
			s.execs[ev.ExecutionID] = x
		}
		x.finished++
		if ev.PhaseStatus == domain.PhaseFailed {
			x.failure = ev.Details
		}
		s.mu.Unlock()
	case domain.EventChainStatus:
		if ev.ChainStatus != domain.ChainSucceeded && ev.ChainStatus != domain.ChainAborted {
			return
		}
		s.mu.Lock()
		x := s.execs[ev.ExecutionID]
		delete(s.execs, ev.ExecutionID)
		s.mu.Unlock()
		if x == nil {
			x = &execution{}
		}

		if err := s.notifier.Send(chainNotification(ev, x)); err != nil {
			s.logger.Warn(context.Background(), "sending notification",
				zap.String("adw_id", ev.RunID.String()), zap.String("chain", ev.Chain), zap.Error(err))
		}
	}
}

func chainNotification(ev domain.Event, x *execution) Notification {
	n := Notification{
		RunID: ev.RunID.String(),
		Chain: ev.Chain,
		Fields: []Field{
			{Name: "Run", Value: ev.RunID.String()},
			{Name: "Chain", Value: ev.Chain},
			{Name: "Phases finished", Value: strconv.Itoa(x.finished)},
			{Name: "Duration", Value: ev.Duration.Round(time.Second).String()},
		},
	}
	if ev.Trigger != "" {
		n.Fields = append(n.Fields, Field{Name: "Trigger", Value: string(ev.Trigger)})
	}

	if ev.ChainStatus == domain.ChainSucceeded {
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Chain %s succeeded", ev.Chain)
		n.Message = fmt.Sprintf("%s: %d phases in %s", ev.RunID, x.finished, ev.Duration.Round(time.Second))
		return n
	}

	n.Type = NotifyError
	n.Title = fmt.Sprintf("Chain %s aborted", ev.Chain)
	if ev.Phase != "" {
		n.Message = fmt.Sprintf("%s: phase %s failed", ev.RunID, ev.Phase)
	} else {
		n.Message = fmt.Sprintf("%s: interrupted after %d phases", ev.RunID, x.finished)
	}
	if x.failure != "" {
		n.Fields = append(n.Fields, Field{Name: "Failure", Value: x.failure})
	}
	return n
}
