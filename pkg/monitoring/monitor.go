package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	AnswerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answer_writes_total",
			Help: "Answer persistence writes issued by the answer buffer",
		},
		[]string{"trigger", "result"},
	)

	AttemptTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attempt_transitions_total",
			Help: "Attempts moved into a terminal status",
		},
		[]string{"status"},
	)

	NotificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attempt_notification_failures_total",
			Help: "Admin notifications that failed after a submission",
		},
	)

	ReviewsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_published_total",
			Help: "Published reviews by outcome",
		},
		[]string{"approved"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attempt_sessions_active",
			Help: "Open websocket attempt sessions",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(AnswerWrites)
	prometheus.MustRegister(AttemptTransitions)
	prometheus.MustRegister(NotificationFailures)
	prometheus.MustRegister(ReviewsPublished)
	prometheus.MustRegister(ActiveSessions)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
