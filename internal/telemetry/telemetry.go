// Package telemetry is the error and call-outcome reporting sink for the
// calling agent. Every caught error in the call path is recorded here as a
// side effect of its local handling, never as the sole handling.
package telemetry

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts recorded errors and call outcomes and mirrors them to the
// structured log. A nil *Recorder is valid and drops everything, so
// components can be constructed without telemetry in tests.
type Recorder struct {
	logger *slog.Logger

	errors   *prometheus.CounterVec
	calls    *prometheus.CounterVec
	pushes   *prometheus.CounterVec
	advances *prometheus.CounterVec
}

// NewRecorder creates a Recorder registered against reg. If reg is nil the
// default Prometheus registerer is used.
func NewRecorder(logger *slog.Logger, reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		logger: logger.With("subsystem", "telemetry"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxline_errors_total",
			Help: "Errors recorded by component.",
		}, []string{"component"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxline_calls_total",
			Help: "Completed calls by outcome.",
		}, []string{"outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxline_pushes_total",
			Help: "Processed VoIP pushes by origin and result.",
		}, []string{"origin", "result"}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxline_state_transitions_total",
			Help: "Accepted call state transitions by target state.",
		}, []string{"state"}),
	}

	reg.MustRegister(r.errors, r.calls, r.pushes, r.advances)
	return r
}

// RecordError records a caught error for the given component.
func (r *Recorder) RecordError(component string, err error) {
	if r == nil || err == nil {
		return
	}
	r.errors.WithLabelValues(component).Inc()
	r.logger.Error("recorded error", "component", component, "error", err)
}

// RecordCallOutcome records a finished call. outcome is one of
// "ended", "failed" or "declined".
func (r *Recorder) RecordCallOutcome(outcome string) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(outcome).Inc()
}

// RecordPush records a processed push payload. origin is the classified
// backend origin ("sip", "cloud" or "unknown").
func (r *Recorder) RecordPush(origin, result string) {
	if r == nil {
		return
	}
	r.pushes.WithLabelValues(origin, result).Inc()
}

// RecordTransition records an accepted call state transition.
func (r *Recorder) RecordTransition(state string) {
	if r == nil {
		return
	}
	r.advances.WithLabelValues(state).Inc()
}
