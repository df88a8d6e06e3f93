// Package telemetry exports scheduler and delivery events as Prometheus
// metrics.
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"connector/internal/fault"
	"connector/internal/logging"
	"connector/internal/scheduler"
)

const namespace = "connector"

var states = []scheduler.State{
	scheduler.Starting, scheduler.Running, scheduler.Draining, scheduler.Stopped, scheduler.Failed,
}

// Metrics implements scheduler.Observer on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	polls        *prometheus.CounterVec
	polled       *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	attempts     *prometheus.CounterVec
	deliverTime  *prometheus.HistogramVec
	batches      *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	commits      *prometheus.CounterVec
	inFlight     *prometheus.GaugeVec
	state        *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Source polls by partition and outcome (ok, or the error kind).",
		}, []string{"partition", "result"}),
		polled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_polled_total",
			Help: "Records read from the source.",
		}, []string{"partition"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_duration_seconds",
			Help:    "Time spent in one source poll.",
			Buckets: prometheus.DefBuckets,
		}, []string{"partition"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Sink delivery attempts by result.",
		}, []string{"partition", "result"}),
		deliverTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_duration_seconds",
			Help:    "Time spent in one sink delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"partition"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_resolved_total",
			Help: "Batches that reached a terminal state.",
		}, []string{"partition", "state"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_delivered_total",
			Help: "Records acknowledged by the sink.",
		}, []string{"partition"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_deadlettered_total",
			Help: "Records diverted to the dead-letter queue.",
		}, []string{"partition"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_commits_total",
			Help: "Checkpoint commits by result.",
		}, []string{"partition", "result"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_batches",
			Help: "Batches dispatched and not yet resolved.",
		}, []string{"partition"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "partition_state",
			Help: "1 for the current state of each partition task.",
		}, []string{"partition", "state"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.polled, m.pollDuration,
		m.attempts, m.deliverTime,
		m.batches, m.delivered, m.deadLettered,
		m.commits, m.inFlight, m.state,
	)
	return m
}

// Registry exposes the collectors, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ObservePoll(partition string, records int, took time.Duration, err error) {
	m.polls.WithLabelValues(partition, result(err)).Inc()
	m.polled.WithLabelValues(partition).Add(float64(records))
	m.pollDuration.WithLabelValues(partition).Observe(took.Seconds())
}

func (m *Metrics) ObserveAttempt(partition, result string, took time.Duration) {
	m.attempts.WithLabelValues(partition, result).Inc()
	m.deliverTime.WithLabelValues(partition).Observe(took.Seconds())
}

func (m *Metrics) ObserveResolved(partition, state string, delivered, deadLettered int) {
	m.batches.WithLabelValues(partition, state).Inc()
	m.delivered.WithLabelValues(partition).Add(float64(delivered))
	m.deadLettered.WithLabelValues(partition).Add(float64(deadLettered))
}

func (m *Metrics) ObserveCommit(partition string, err error) {
	m.commits.WithLabelValues(partition, result(err)).Inc()
}

func (m *Metrics) ObserveInFlight(partition string, n int) {
	m.inFlight.WithLabelValues(partition).Set(float64(n))
}

func (m *Metrics) ObserveState(partition string, st scheduler.State) {
	for _, s := range states {
		v := 0.0
		if s == st {
			v = 1
		}
		m.state.WithLabelValues(partition, string(s)).Set(v)
	}
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(fault.KindOf(err))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Server serves /metrics until Shutdown.
type Server struct {
	http *http.Server
	lis  net.Listener
}

// Expose listens on addr and serves /metrics in the background.
func Expose(addr string, m *Metrics) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		http: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		lis:  lis,
	}
	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	logging.L().Info("metrics listening", "addr", lis.Addr().String())
	return s, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }
