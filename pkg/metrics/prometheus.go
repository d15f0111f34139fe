package metrics

import (
	"ArbCore/internal/domain/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	errorsTotal *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	executions  *prometheus.CounterVec
	assignments *prometheus.CounterVec
	shards      *prometheus.GaugeVec
	assignState *prometheus.GaugeVec

	instances *prometheus.GaugeVec
	restarts  *prometheus.CounterVec

	positionEvents *prometheus.CounterVec
	openPositions  prometheus.Gauge
	markPrice      *prometheus.GaugeVec
}

// New registers the recorder on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbcore_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbcore_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbcore_executions_total",
				Help: "Execution results by status and reason",
			},
			[]string{"status", "reason"},
		),
		assignments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbcore_assignments_total",
				Help: "Assignment decisions by outcome",
			},
			[]string{"outcome"},
		),
		shards: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbcore_shards",
				Help: "Known shards by state",
			},
			[]string{"state"},
		),
		assignState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbcore_games",
				Help: "Active games by assignment status",
			},
			[]string{"status"},
		),
		instances: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbcore_instances",
				Help: "Supervised instances by derived health",
			},
			[]string{"status"},
		),
		restarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbcore_restarts_total",
				Help: "Restart decisions per container",
			},
			[]string{"container", "outcome"},
		),
		positionEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbcore_position_events_total",
				Help: "Position updates emitted by event",
			},
			[]string{"event"},
		),
		openPositions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbcore_open_positions",
				Help: "Positions in OPEN or CLOSING state",
			},
		),
		markPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbcore_mark_price",
				Help: "Latest mark price per market",
			},
			[]string{"market"},
		),
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordExecution(status models.ExecutionStatus, reason string) {
	r.executions.WithLabelValues(string(status), reason).Inc()
}

func (r *Recorder) RecordAssignment(outcome string) {
	r.assignments.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SetShardStates(live, lost int) {
	r.shards.WithLabelValues(string(models.ShardLive)).Set(float64(live))
	r.shards.WithLabelValues(string(models.ShardLost)).Set(float64(lost))
}

func (r *Recorder) SetAssignmentStates(unassigned, pending, confirmed int) {
	r.assignState.WithLabelValues(string(models.AssignmentUnassigned)).Set(float64(unassigned))
	r.assignState.WithLabelValues(string(models.AssignmentPending)).Set(float64(pending))
	r.assignState.WithLabelValues(string(models.AssignmentConfirmed)).Set(float64(confirmed))
}

func (r *Recorder) SetHealthCounts(healthy, degraded, unhealthy, missing int) {
	r.instances.WithLabelValues(string(models.InstanceHealthy)).Set(float64(healthy))
	r.instances.WithLabelValues(string(models.InstanceDegraded)).Set(float64(degraded))
	r.instances.WithLabelValues(string(models.InstanceUnhealthy)).Set(float64(unhealthy))
	r.instances.WithLabelValues(string(models.InstanceMissing)).Set(float64(missing))
}

func (r *Recorder) RecordRestart(container, outcome string) {
	r.restarts.WithLabelValues(container, outcome).Inc()
}

func (r *Recorder) RecordPositionEvent(event models.PositionEvent) {
	r.positionEvents.WithLabelValues(string(event)).Inc()
}

func (r *Recorder) SetOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

// RecordMarkPrice records the last price for a market.
func (r *Recorder) RecordMarkPrice(market string, price float64) {
	r.markPrice.WithLabelValues(market).Set(price)
}
