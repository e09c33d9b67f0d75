package analytics

import (
	"time"

	"github.com/marcus-qen/preflightd/internal/alerting"
	"github.com/marcus-qen/preflightd/internal/clockid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// latencyBucketsMS are the cumulative histogram bounds for delivery
// latency.
var latencyBucketsMS = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var (
	runsDesc = prometheus.NewDesc(
		"preflight_runs_total",
		"Preflight run records by source and final status.",
		[]string{"final_status", "source"}, nil)
	blockedDesc = prometheus.NewDesc(
		"preflight_runs_blocked_total",
		"Preflight run records that blocked their pipeline.",
		[]string{"source"}, nil)
	alertsDesc = prometheus.NewDesc(
		"preflight_alerts_active",
		"Live alert states by status and severity.",
		[]string{"severity", "status"}, nil)
	outboxDesc = prometheus.NewDesc(
		"preflight_notifications_outbox",
		"Notification outbox items by status.",
		[]string{"status"}, nil)
	attemptsDesc = prometheus.NewDesc(
		"preflight_notifications_attempts_total",
		"Delivery attempts by channel target, event type, and outcome.",
		[]string{"channel_target", "event_type", "attempt_status"}, nil)
	latencyDesc = prometheus.NewDesc(
		"preflight_notifications_delivery_latency_ms",
		"Delivery attempt latency in milliseconds.",
		nil, nil)
	pendingAgeDesc = prometheus.NewDesc(
		"preflight_outbox_oldest_pending_age_seconds",
		"Age of the oldest undelivered outbox item.",
		nil, nil)
	replaysDesc = prometheus.NewDesc(
		"preflight_notification_replays_total",
		"Outbox items created by operator replay.",
		nil, nil)
	leaseDesc = prometheus.NewDesc(
		"preflight_scheduler_lease_held",
		"Whether a scheduler lease is currently held and unexpired.",
		[]string{"name"}, nil)
	leaseExpiresDesc = prometheus.NewDesc(
		"preflight_scheduler_lease_expires_at_seconds",
		"Unix time at which a scheduler lease expires.",
		[]string{"name"}, nil)
	leaseAcquiredDesc = prometheus.NewDesc(
		"preflight_scheduler_lease_acquired_at_seconds",
		"Unix time of a scheduler lease's last acquisition or renewal.",
		[]string{"name"}, nil)
)

// Collector renders the preflight metric families from the database at
// scrape time. Every value is read fresh; nothing is cached between
// scrapes.
type Collector struct {
	service *Service
	alerts  *alerting.Store
	clock   clockid.Clock
	logger  *zap.Logger

	renderErrors prometheus.Counter
}

// NewCollector wires the collector and registers it with reg along with
// its render-error counter.
func NewCollector(service *Service, alerts *alerting.Store, clock clockid.Clock, logger *zap.Logger, reg prometheus.Registerer) (*Collector, error) {
	if clock == nil {
		clock = clockid.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		service: service,
		alerts:  alerts,
		clock:   clock,
		logger:  logger,
		renderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preflight_metrics_render_errors_total",
			Help: "Errors encountered while rendering preflight metrics.",
		}),
	}
	if reg != nil {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
		if err := reg.Register(c.renderErrors); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- runsDesc
	ch <- blockedDesc
	ch <- alertsDesc
	ch <- outboxDesc
	ch <- attemptsDesc
	ch <- latencyDesc
	ch <- pendingAgeDesc
	ch <- replaysDesc
	ch <- leaseDesc
	ch <- leaseExpiresDesc
	ch <- leaseAcquiredDesc
}

// Collect implements prometheus.Collector. A failed rollup bumps the
// render-error counter and skips its family; the scrape still serves
// everything else.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	now := c.clock.Now().UTC()

	c.collectRuns(ch)
	c.collectAlerts(ch)
	c.collectDelivery(ch, now)
	c.collectAttempts(ch)
	c.collectLeases(ch, now)
}

func (c *Collector) collectRuns(ch chan<- prometheus.Metric) {
	rows, err := c.service.db.Query(`SELECT source_name, final_status, COUNT(*),
			SUM(CASE WHEN blocked != 0 THEN 1 ELSE 0 END)
		FROM preflight_run_registry GROUP BY source_name, final_status`)
	if err != nil {
		c.fail("run rollup", err)
		return
	}
	defer rows.Close()

	blockedBySource := make(map[string]int)
	for rows.Next() {
		var source, status string
		var n, blocked int
		if err := rows.Scan(&source, &status, &n, &blocked); err != nil {
			c.fail("run rollup scan", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.CounterValue,
			float64(n), status, source)
		blockedBySource[source] += blocked
	}
	if err := rows.Err(); err != nil {
		c.fail("run rollup rows", err)
		return
	}
	for source, n := range blockedBySource {
		ch <- prometheus.MustNewConstMetric(blockedDesc, prometheus.CounterValue,
			float64(n), source)
	}
}

func (c *Collector) collectAlerts(ch chan<- prometheus.Metric) {
	states, err := c.alerts.ListStates()
	if err != nil {
		c.fail("alert states", err)
		return
	}
	counts := make(map[[2]string]int)
	for _, st := range states {
		counts[[2]string{st.Severity, st.Status}]++
	}
	for key, n := range counts {
		ch <- prometheus.MustNewConstMetric(alertsDesc, prometheus.GaugeValue,
			float64(n), key[0], key[1])
	}
}

func (c *Collector) collectDelivery(ch chan<- prometheus.Metric, now time.Time) {
	stats, err := c.service.DeliveryStats(now)
	if err != nil {
		c.fail("delivery stats", err)
		return
	}
	for status, n := range stats.OutboxByStatus {
		ch <- prometheus.MustNewConstMetric(outboxDesc, prometheus.GaugeValue,
			float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(pendingAgeDesc, prometheus.GaugeValue,
		stats.OldestPendingAgeSec)
	ch <- prometheus.MustNewConstMetric(replaysDesc, prometheus.CounterValue,
		float64(stats.ReplayCount))
}

func (c *Collector) collectAttempts(ch chan<- prometheus.Metric) {
	counts, err := c.service.ledger.CountByChannelEventStatus()
	if err != nil {
		c.fail("attempt counts", err)
		return
	}
	for key, n := range counts {
		ch <- prometheus.MustNewConstMetric(attemptsDesc, prometheus.CounterValue,
			float64(n), key[0], key[1], key[2])
	}

	durations, err := c.service.ledger.Durations()
	if err != nil {
		c.fail("attempt durations", err)
		return
	}
	buckets := make(map[float64]uint64, len(latencyBucketsMS))
	var sum float64
	for _, ms := range durations {
		sum += float64(ms)
		for _, bound := range latencyBucketsMS {
			if float64(ms) <= bound {
				buckets[bound]++
			}
		}
	}
	ch <- prometheus.MustNewConstHistogram(latencyDesc, uint64(len(durations)), sum, buckets)
}

func (c *Collector) collectLeases(ch chan<- prometheus.Metric, now time.Time) {
	leases, err := c.service.leases.List()
	if err != nil {
		c.fail("leases", err)
		return
	}
	for _, l := range leases {
		held := 0.0
		if l.ExpiresAt.After(now) {
			held = 1
		}
		ch <- prometheus.MustNewConstMetric(leaseDesc, prometheus.GaugeValue, held, l.Name)
		ch <- prometheus.MustNewConstMetric(leaseExpiresDesc, prometheus.GaugeValue,
			float64(l.ExpiresAt.Unix()), l.Name)
		ch <- prometheus.MustNewConstMetric(leaseAcquiredDesc, prometheus.GaugeValue,
			float64(l.AcquiredAt.Unix()), l.Name)
	}
}

func (c *Collector) fail(what string, err error) {
	c.renderErrors.Inc()
	c.logger.Warn("metric rollup failed", zap.String("rollup", what), zap.Error(err))
}
