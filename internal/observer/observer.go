// Package observer turns orchestration events into Prometheus metrics.
package observer

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Observer is an event sink that records phase and chain metrics
type Observer struct {
	registry *prometheus.Registry

	phaseTotal      *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	chainTotal      *prometheus.CounterVec
	webhookRequests *prometheus.CounterVec
	activeRuns      prometheus.Gauge

	mu      sync.RWMutex
	summary Summary
	elapsed time.Duration
}

// Summary holds aggregated counts since the observer started
type Summary struct {
	PhasesCompleted  int           `json:"phases_completed"`
	PhasesUnverified int           `json:"phases_unverified"`
	PhasesFailed     int           `json:"phases_failed"`
	ChainsSucceeded  int           `json:"chains_succeeded"`
	ChainsAborted    int           `json:"chains_aborted"`
	AvgPhaseDuration time.Duration `json:"avg_phase_duration_ns"`
}

// New creates an Observer registering its collectors on reg, or on a fresh
// registry with the Go and process collectors when reg is nil
func New(reg *prometheus.Registry) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Observer{
		registry: reg,
		phaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adw_phase_total",
				Help: "Total number of finished phases by terminal status",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adw_phase_duration_seconds",
				Help:    "Wall time of phase execution in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
			},
			[]string{"phase"},
		),
		chainTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adw_chain_total",
				Help: "Total number of finished chain executions by status",
			},
			[]string{"chain", "status"},
		),
		webhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adw_webhook_requests_total",
				Help: "Total number of webhook requests by response code",
			},
			[]string{"code"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "adw_active_runs",
				Help: "Number of chain executions currently in flight",
			},
		),
	}
}

// Publish records terminal phase and chain transitions
func (o *Observer) Publish(ev domain.Event) {
	switch ev.Type {
	case domain.EventPhaseStatus:
		if !ev.PhaseStatus.Terminal() {
			return
		}
		o.phaseTotal.WithLabelValues(ev.Phase, string(ev.PhaseStatus)).Inc()
		o.phaseDuration.WithLabelValues(ev.Phase).Observe(ev.Duration.Seconds())
		o.recordPhase(ev)
	case domain.EventChainStatus:
		if ev.ChainStatus != domain.ChainSucceeded && ev.ChainStatus != domain.ChainAborted {
			return
		}
		o.chainTotal.WithLabelValues(ev.Chain, string(ev.ChainStatus)).Inc()
		o.mu.Lock()
		if ev.ChainStatus == domain.ChainSucceeded {
			o.summary.ChainsSucceeded++
		} else {
			o.summary.ChainsAborted++
		}
		o.mu.Unlock()
	}
}

func (o *Observer) recordPhase(ev domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.PhaseStatus {
	case domain.PhaseCompleted:
		o.summary.PhasesCompleted++
	case domain.PhaseCompletedUnverified:
		o.summary.PhasesUnverified++
	case domain.PhaseFailed:
		o.summary.PhasesFailed++
	}
	o.elapsed += ev.Duration
}

// RecordWebhook counts one webhook response
func (o *Observer) RecordWebhook(code int) {
	o.webhookRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SetActiveRuns updates the in-flight gauge
func (o *Observer) SetActiveRuns(n int) {
	o.activeRuns.Set(float64(n))
}

// Summary returns aggregated counts
func (o *Observer) Summary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := o.summary
	if n := s.PhasesCompleted + s.PhasesUnverified + s.PhasesFailed; n > 0 {
		s.AvgPhaseDuration = o.elapsed / time.Duration(n)
	}
	return s
}

// Handler serves the registry in the Prometheus exposition format
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}
