package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

var (
	icnRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icn_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	icnRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "icn_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	icnLedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icn_ledger_entries_total",
		Help: "Total audit entries appended by entity type.",
	}, []string{"entity_type"})

	icnChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icn_chain_length",
		Help: "Number of audit entries seen by the last integrity scan.",
	})

	icnChainOK = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icn_chain_ok",
		Help: "1 if the last integrity scan found the chain continuous, 0 otherwise.",
	})

	icnSignatureRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icn_signature_rejections_total",
		Help: "Total signed writes rejected for an invalid signature.",
	})

	icnConcurrencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icn_concurrency_conflicts_total",
		Help: "Total writes that exhausted their retry budget on a busy chain.",
	})

	icnCheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icn_scheduled_checkpoints_total",
		Help: "Scheduled checkpoint generation attempts by result.",
	}, []string{"result"})

	icnFeedDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icn_feed_deliveries_total",
		Help: "Total feed deliveries by event type and success status.",
	}, []string{"event", "status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		icnRequestsTotal.WithLabelValues(method, path, status).Inc()
		icnRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerAppendHook returns a commit hook that counts appended entries.
func LedgerAppendHook() trustledger.CommitHook {
	return func(_ context.Context, e *model.AuditEntry) {
		icnLedgerEntriesTotal.WithLabelValues(e.EntityType).Inc()
	}
}

// RecordChainScan records the result of an integrity scan.
func RecordChainScan(report trustledger.ContinuityReport) {
	icnChainLength.Set(float64(report.Length))
	if report.OK {
		icnChainOK.Set(1)
	} else {
		icnChainOK.Set(0)
	}
}

// RecordScheduledCheckpoint records a scheduled checkpoint attempt.
func RecordScheduledCheckpoint(created bool, err error) {
	switch {
	case err != nil:
		icnCheckpointsTotal.WithLabelValues("failure").Inc()
	case created:
		icnCheckpointsTotal.WithLabelValues("created").Inc()
	default:
		icnCheckpointsTotal.WithLabelValues("exists").Inc()
	}
}

// RecordFeedDelivery records a feed delivery attempt.
func RecordFeedDelivery(event string, success bool) {
	if success {
		icnFeedDeliveriesTotal.WithLabelValues(event, "success").Inc()
	} else {
		icnFeedDeliveriesTotal.WithLabelValues(event, "failure").Inc()
	}
}

func recordSignatureRejected() { icnSignatureRejectionsTotal.Inc() }

func recordConcurrencyConflict() { icnConcurrencyConflictsTotal.Inc() }
