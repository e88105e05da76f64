package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for RecordFrameDropped.
const (
	DropQueueFull   = "queue_full"
	DropMalformed   = "malformed"
	DropNoBuffer    = "no_buffer"
	DropProcessing  = "processing"
	DropThrottled   = "throttled"
	DropUnsupported = "unsupported"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framegrab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Frame records read from the transport.",
		},
		[]string{"client"},
	)
	framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "frames_delivered_total",
			Help:      "Frames handed to the frame callback.",
		},
		[]string{"client"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before delivery.",
		},
		[]string{"client", "reason"},
	)
	callbackPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "callback_panics_total",
			Help:      "Recovered panics in consumer callbacks.",
		},
		[]string{"client"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "disconnects_total",
			Help:      "Disconnect callbacks fired.",
		},
		[]string{"client", "reason"},
	)
	buffersOutstanding = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "buffers_outstanding",
			Help:      "Frame buffers not yet released.",
		},
		[]string{"client"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "queue_depth",
			Help:      "Frames waiting for dispatch.",
		},
		[]string{"client"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framegrab",
			Subsystem: "client",
			Name:      "dispatch_duration_seconds",
			Help:      "Processing plus frame callback time per delivered frame.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"client"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesReceived, framesDelivered, framesDropped,
			callbackPanics, disconnects,
			buffersOutstanding, queueDepth, dispatchDuration,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameReceived(client string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(client).Inc()
}

func RecordFrameDelivered(client string, duration time.Duration) {
	RegisterMetrics()
	framesDelivered.WithLabelValues(client).Inc()
	dispatchDuration.WithLabelValues(client).Observe(duration.Seconds())
}

func RecordFrameDropped(client, reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(client, reason).Inc()
}

func RecordCallbackPanic(client string) {
	RegisterMetrics()
	callbackPanics.WithLabelValues(client).Inc()
}

func RecordDisconnect(client, reason string) {
	RegisterMetrics()
	disconnects.WithLabelValues(client, reason).Inc()
}

func SetBuffersOutstanding(client string, n int) {
	RegisterMetrics()
	buffersOutstanding.WithLabelValues(client).Set(float64(n))
}

func SetQueueDepth(client string, n int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(client).Set(float64(n))
}

// ForgetClient drops the per-client series once a client is released.
func ForgetClient(client string) {
	RegisterMetrics()
	for _, vec := range []*prometheus.CounterVec{framesReceived, framesDelivered, callbackPanics} {
		vec.DeleteLabelValues(client)
	}
	framesDropped.DeletePartialMatch(prometheus.Labels{"client": client})
	disconnects.DeletePartialMatch(prometheus.Labels{"client": client})
	buffersOutstanding.DeleteLabelValues(client)
	queueDepth.DeleteLabelValues(client)
	dispatchDuration.DeleteLabelValues(client)
}
