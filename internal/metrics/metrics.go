// Package metrics exposes the service's Prometheus collectors. One Collector
// is built per process and shared by every fabric component.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state values exported on the gauge.
const (
	StateClosed   = 0
	StateOpen     = 1
	StateHalfOpen = 2
)

// Collector tracks service metrics for Prometheus export.
type Collector struct {
	registry *prometheus.Registry

	brokerPublishes  *prometheus.CounterVec
	brokerDeliveries *prometheus.CounterVec
	brokerReconnects prometheus.Counter

	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	dedupHits   *prometheus.CounterVec

	breakerState *prometheus.GaugeVec

	tokenLookups *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsHandled   *prometheus.CounterVec
	eventsDLQ       prometheus.Counter

	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	rerouteCycles       prometheus.Counter
	rerouteTripsChecked prometheus.Counter
	recommendations     *prometheus.CounterVec

	pingsReceived  prometheus.Counter
	pingViolations *prometheus.CounterVec

	notifications *prometheus.CounterVec
	alertsFired   *prometheus.CounterVec

	serviceHealth *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		brokerPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Publishes by confirm result.",
		}, []string{"result"}),
		brokerDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Consumed deliveries by final disposition.",
		}, []string{"queue", "result"}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Connection re-establishments.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Handled RPC requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "RPC handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_dedup_hits_total",
			Help: "Duplicate requests suppressed, by detection kind.",
		}, []string{"kind"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state per dependency (0=closed, 1=open, 2=half_open).",
		}, []string{"dependency"}),
		tokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_cache_lookups_total",
			Help: "Token cache lookups by result.",
		}, []string{"result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published by routing key prefix.",
		}, []string{"domain"}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_handled_total",
			Help: "Consumed events by handling result.",
		}, []string{"result"}),
		eventsDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_dead_lettered_total",
			Help: "Events routed to the dead letter queue.",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_task_runs_total",
			Help: "Scheduler task executions by result.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_task_duration_seconds",
			Help:    "Scheduler task run time.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		rerouteCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reroute_cycles_total",
			Help: "Completed traffic re-evaluation cycles.",
		}),
		rerouteTripsChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reroute_trips_checked_total",
			Help: "Trips examined across reroute cycles.",
		}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "route_recommendations_total",
			Help: "Route recommendations by outcome.",
		}, []string{"outcome"}),
		pingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driver_pings_received_total",
			Help: "Driver location pings accepted.",
		}),
		pingViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ping_violations_total",
			Help: "Ping/speed violations by type.",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification fanout by result.",
		}, []string{"result"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_rules_fired_total",
			Help: "Alert rule matches by rule name.",
		}, []string{"rule"}),
		serviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_service_healthy",
			Help: "1 when the registry considers the service healthy.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		c.brokerPublishes, c.brokerDeliveries, c.brokerReconnects,
		c.rpcRequests, c.rpcDuration, c.dedupHits,
		c.breakerState,
		c.tokenLookups,
		c.eventsPublished, c.eventsHandled, c.eventsDLQ,
		c.taskRuns, c.taskDuration,
		c.rerouteCycles, c.rerouteTripsChecked, c.recommendations,
		c.pingsReceived, c.pingViolations,
		c.notifications, c.alertsFired,
		c.serviceHealth,
	)
	return c
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// All Record methods tolerate a nil receiver so components can run without a
// collector in tests.

func (c *Collector) RecordPublish(result string) {
	if c == nil {
		return
	}
	c.brokerPublishes.WithLabelValues(result).Inc()
}

func (c *Collector) RecordDelivery(queue, result string) {
	if c == nil {
		return
	}
	c.brokerDeliveries.WithLabelValues(queue, result).Inc()
}

func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.brokerReconnects.Inc()
}

func (c *Collector) RecordRequest(endpoint, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rpcRequests.WithLabelValues(endpoint, status).Inc()
	c.rpcDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (c *Collector) RecordDedupHit(kind string) {
	if c == nil {
		return
	}
	c.dedupHits.WithLabelValues(kind).Inc()
}

func (c *Collector) SetBreakerState(dependency string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(dependency).Set(float64(state))
}

func (c *Collector) RecordTokenCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.tokenLookups.WithLabelValues(result).Inc()
}

func (c *Collector) RecordEventPublished(domain string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(domain).Inc()
}

func (c *Collector) RecordEventHandled(result string) {
	if c == nil {
		return
	}
	c.eventsHandled.WithLabelValues(result).Inc()
}

func (c *Collector) RecordDeadLetter() {
	if c == nil {
		return
	}
	c.eventsDLQ.Inc()
}

func (c *Collector) RecordTask(task, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.taskRuns.WithLabelValues(task, result).Inc()
	c.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (c *Collector) RecordRerouteCycle(tripsChecked int) {
	if c == nil {
		return
	}
	c.rerouteCycles.Inc()
	c.rerouteTripsChecked.Add(float64(tripsChecked))
}

func (c *Collector) RecordRecommendation(outcome string) {
	if c == nil {
		return
	}
	c.recommendations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordPing() {
	if c == nil {
		return
	}
	c.pingsReceived.Inc()
}

func (c *Collector) RecordPingViolation(vtype string) {
	if c == nil {
		return
	}
	c.pingViolations.WithLabelValues(vtype).Inc()
}

func (c *Collector) RecordNotification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAlert(rule string) {
	if c == nil {
		return
	}
	c.alertsFired.WithLabelValues(rule).Inc()
}

func (c *Collector) SetServiceHealth(service string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.serviceHealth.WithLabelValues(service).Set(v)
}
