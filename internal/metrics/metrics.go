// Package metrics records workflow activity as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cmsworkflow/internal/workflow"
)

const namespace = "cmsworkflow"

// Recorder implements workflow.Recorder.
type Recorder struct {
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	conflicts     prometheus.Counter
	cacheLookups  *prometheus.CounterVec
}

// NewRecorder registers the workflow counters on reg. A nil reg uses the
// default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Workflow request status changes by kind and resulting status.",
		}, []string{"kind", "status"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Workflow notifications by template and outcome.",
		}, []string{"template", "outcome"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_conflicts_total",
			Help:      "Workflow writes rejected by a concurrent open request.",
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_request_cache_lookups_total",
			Help:      "Open request cache lookups by result.",
		}, []string{"result"}),
	}
}

func (r *Recorder) Transition(kind workflow.RequestKind, status workflow.RequestStatus) {
	r.transitions.WithLabelValues(string(kind), string(status)).Inc()
}

func (r *Recorder) Notification(template workflow.Template, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	r.notifications.WithLabelValues(string(template), outcome).Inc()
}

func (r *Recorder) Conflict() {
	r.conflicts.Inc()
}

func (r *Recorder) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}
