// Package metrics exposes the engine's observability surface as prometheus
// collectors: reconnects, active calls, barge-in triggers by source, tool
// outcomes, and per-pipeline-stage signal levels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	ReconnectAttempts prometheus.Counter
	ActiveCalls       prometheus.Gauge
	CallsTotal        *prometheus.CounterVec // label: direction, outcome
	BargeInTriggers   *prometheus.CounterVec // label: source
	ToolOutcomes      *prometheus.CounterVec // labels: tool, status
	StageRMS          *prometheus.GaugeVec   // labels: call_id, direction, stage
	StageDCOffset     *prometheus.GaugeVec   // labels: call_id, direction, stage
	ProvisionSeconds  prometheus.Histogram
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_controlplane_reconnect_attempts_total",
			Help: "Control-plane reconnect attempts.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_calls",
			Help: "Call sessions currently not terminated.",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_calls_total",
			Help: "Completed calls by direction and outcome.",
		}, []string{"direction", "outcome"}),
		BargeInTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_bargein_triggers_total",
			Help: "Barge-in playback flushes by trigger source.",
		}, []string{"source"}),
		ToolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_tool_invocations_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool", "status"}),
		StageRMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicebridge_audio_stage_rms",
			Help: "RMS signal level per transcoding stage.",
		}, []string{"call_id", "direction", "stage"}),
		StageDCOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicebridge_audio_stage_dc_offset",
			Help: "Mean sample value per transcoding stage.",
		}, []string{"call_id", "direction", "stage"}),
		ProvisionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_provision_seconds",
			Help:    "Time from call-start event to active media.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReconnectAttempts,
			m.ActiveCalls,
			m.CallsTotal,
			m.BargeInTriggers,
			m.ToolOutcomes,
			m.StageRMS,
			m.StageDCOffset,
			m.ProvisionSeconds,
		)
	}
	return m
}

// DropCall removes a finished call's per-call gauge series so the surface
// does not grow without bound.
func (m *Metrics) DropCall(callID string) {
	if m == nil {
		return
	}
	m.StageRMS.DeletePartialMatch(prometheus.Labels{"call_id": callID})
	m.StageDCOffset.DeletePartialMatch(prometheus.Labels{"call_id": callID})
}
