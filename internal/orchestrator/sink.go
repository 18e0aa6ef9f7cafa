package orchestrator

import "github.com/hochfrequenz/adw-orchestrator/internal/domain"

// MultiSink fans events out to several sinks
type MultiSink []EventSink

// Publish forwards ev to every sink
func (m MultiSink) Publish(ev domain.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(domain.Event)

// Publish calls f(ev)
func (f SinkFunc) Publish(ev domain.Event) { f(ev) }
