package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Completed chat completion requests by model and status code.",
	}, []string{"model", "status"})

	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stream_duration_seconds",
		Help:    "Wall time of one transcoded stream from first byte to terminal event.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"model"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_streams",
		Help: "Streams currently being transcoded.",
	})

	batchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_batch_tasks_total",
		Help: "Batch tasks by kind and terminal status.",
	}, []string{"kind", "status"})

	trackingDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tracking_dropped_total",
		Help: "Request log entries dropped because the tracking queue was full.",
	})
)

// ObserveRequest records one finished request.
func ObserveRequest(model string, status int, duration time.Duration) {
	requestsTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
	streamDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// StreamStarted and StreamEnded bracket one live stream.
func StreamStarted() { activeStreams.Inc() }
func StreamEnded()   { activeStreams.Dec() }

// ObserveBatchTask records one terminal batch task.
func ObserveBatchTask(kind, status string) {
	batchTasksTotal.WithLabelValues(kind, status).Inc()
}

// TrackingEntryDropped counts one lost request log.
func TrackingEntryDropped() { trackingDropped.Inc() }

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
