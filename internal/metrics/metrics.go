package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	checkoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by result",
		},
		[]string{"result"},
	)

	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reservations_total",
			Help:      "Stock reservation attempts by result",
		},
		[]string{"result"},
	)

	reservationsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reservations_expired_total",
			Help:      "Reservations released by the sweeper",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_jobs_total",
			Help:      "Order processing jobs by outcome",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_job_duration_seconds",
			Help:      "Order processing job duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	paymentCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callbacks_total",
			Help:      "Payment gateway callbacks by provider and result",
		},
		[]string{"provider", "result"},
	)

	commissionsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commissions_total",
			Help:      "Commission records by action",
		},
		[]string{"action"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications dispatched by template and result",
		},
		[]string{"template", "result"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_alerts_total",
			Help:      "Operator alerts raised by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(checkoutsTotal)
	prometheus.MustRegister(reservationsTotal)
	prometheus.MustRegister(reservationsExpiredTotal)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(paymentCallbacksTotal)
	prometheus.MustRegister(commissionsSettledTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(alertsTotal)
}

func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordCheckout(result string) {
	checkoutsTotal.WithLabelValues(result).Inc()
}

func RecordReservation(result string) {
	reservationsTotal.WithLabelValues(result).Inc()
}

func RecordReservationsExpired(n int) {
	reservationsExpiredTotal.Add(float64(n))
}

// RecordJob counts a finished job: succeeded, retried, deferred, exhausted or dropped.
func RecordJob(outcome string, took time.Duration) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(took.Seconds())
}

func RecordPaymentCallback(provider, result string) {
	paymentCallbacksTotal.WithLabelValues(provider, result).Inc()
}

func RecordCommission(action string) {
	commissionsSettledTotal.WithLabelValues(action).Inc()
}

func RecordNotification(template, result string) {
	notificationsTotal.WithLabelValues(template, result).Inc()
}

func RecordAlert(kind string) {
	alertsTotal.WithLabelValues(kind).Inc()
}
