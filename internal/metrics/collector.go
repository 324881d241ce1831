package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChannelStats is the per-channel feed of final delivery outcomes.
type ChannelStats struct {
	Channel   string `json:"channel"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	TimedOut  int64  `json:"timed_out"`
	Attempts  int64  `json:"attempts"`
}

// Collector owns the alerting metrics on a private registry.
// All labels are low-cardinality: no camera, alert or subscriber ids.
type Collector struct {
	registry *prometheus.Registry

	alertsSubmitted  *prometheus.CounterVec
	alertsCompleted  prometheus.Counter
	alertsCanceled   prometheus.Counter
	attemptsTotal    *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	inflight         *prometheus.GaugeVec
	laneQueueDepth   prometheus.Gauge
	ingestTotal      *prometheus.CounterVec
	rateLimitTotal   *prometheus.CounterVec

	mu    sync.Mutex
	stats map[string]*ChannelStats
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	c := &Collector{
		registry: reg,
		stats:    make(map[string]*ChannelStats),
	}

	c.alertsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_submitted_total",
		Help: "Alerts created from detection events, by severity",
	}, []string{"severity"})
	reg.MustRegister(c.alertsSubmitted)

	c.alertsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_completed_total",
		Help: "Alerts whose deliveries all reached a final outcome",
	})
	reg.MustRegister(c.alertsCompleted)

	c.alertsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_canceled_total",
		Help: "Alerts canceled by an operator before completion",
	})
	reg.MustRegister(c.alertsCanceled)

	c.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_delivery_attempts_total",
		Help: "Individual delivery tries, by channel and outcome",
	}, []string{"channel", "outcome"})
	reg.MustRegister(c.attemptsTotal)

	c.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_deliveries_total",
		Help: "Final delivery outcomes per alert and subscriber, by channel",
	}, []string{"channel", "outcome"})
	reg.MustRegister(c.deliveriesTotal)

	c.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alert_delivery_duration_seconds",
		Help:    "Time from first attempt to final outcome",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60},
	}, []string{"channel"})
	reg.MustRegister(c.deliveryDuration)

	c.inflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alerts_inflight",
		Help: "Dispatched but not completed deliveries, by channel",
	}, []string{"channel"})
	reg.MustRegister(c.inflight)

	c.laneQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alert_lane_queue_depth",
		Help: "Alerts waiting in per-camera lanes",
	})
	reg.MustRegister(c.laneQueueDepth)

	c.ingestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_ingest_messages_total",
		Help: "Inbound detection messages, by source and result",
	}, []string{"source", "result"})
	reg.MustRegister(c.ingestTotal)

	c.rateLimitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_rate_limit_decisions_total",
		Help: "Rate limit checks on the submission endpoints, by scope and result",
	}, []string{"scope", "result"})
	reg.MustRegister(c.rateLimitTotal)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) channel(name string) *ChannelStats {
	s, ok := c.stats[name]
	if !ok {
		s = &ChannelStats{Channel: name}
		c.stats[name] = s
	}
	return s
}

func (c *Collector) AlertSubmitted(severity string) {
	c.alertsSubmitted.WithLabelValues(severity).Inc()
}

func (c *Collector) AlertCompleted() {
	c.alertsCompleted.Inc()
}

func (c *Collector) AlertCanceled() {
	c.alertsCanceled.Inc()
}

func (c *Collector) AttemptRecorded(channel, outcome string) {
	c.attemptsTotal.WithLabelValues(channel, outcome).Inc()
	c.mu.Lock()
	c.channel(channel).Attempts++
	c.mu.Unlock()
}

// DeliveryFinished records the final outcome of one alert x subscriber.
func (c *Collector) DeliveryFinished(channel, outcome string, elapsed time.Duration) {
	c.deliveriesTotal.WithLabelValues(channel, outcome).Inc()
	c.deliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())

	c.mu.Lock()
	s := c.channel(channel)
	switch outcome {
	case "delivered":
		s.Delivered++
	case "timed-out":
		s.TimedOut++
	default:
		s.Failed++
	}
	c.mu.Unlock()
}

func (c *Collector) InflightAdd(channel string, delta float64) {
	c.inflight.WithLabelValues(channel).Add(delta)
}

func (c *Collector) SetLaneQueueDepth(n int) {
	c.laneQueueDepth.Set(float64(n))
}

func (c *Collector) IngestMessage(source, result string) {
	c.ingestTotal.WithLabelValues(source, result).Inc()
}

func (c *Collector) RateLimitDecision(scope, result string) {
	c.rateLimitTotal.WithLabelValues(scope, result).Inc()
}

// ChannelStats returns a snapshot of the per-channel feed, sorted by channel.
func (c *Collector) ChannelStats() []ChannelStats {
	c.mu.Lock()
	out := make([]ChannelStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
