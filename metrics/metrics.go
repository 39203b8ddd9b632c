// Package metrics collects gateway counters for prometheus scraping and for
// the in-process report served by the health endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gurre/fixit/apperr"
)

const namespace = "fixit"

// Metrics records HTTP, store, upload and auth outcomes. It satisfies
// table.Observer and upload.Observer.
type Metrics struct {
	// Counters mirrored for Report
	requests     int64
	storeOps     int64
	storeErrors  int64
	uploads      int64
	uploadBytes  int64
	authFailures int64

	startTime time.Time

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	storeTotal   *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	uploadTotal  *prometheus.CounterVec
	uploadSize   prometheus.Counter
	authTotal    *prometheus.CounterVec
}

// New creates Metrics and registers its collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		storeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Table store operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Table store latency by operation, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		uploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Object uploads by outcome.",
		}, []string{"outcome"}),
		uploadSize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes successfully written to object storage.",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_operations_total",
			Help:      "Authentication operations by action and outcome.",
		}, []string{"action", "outcome"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpLatency,
		m.storeTotal,
		m.storeLatency,
		m.uploadTotal,
		m.uploadSize,
		m.authTotal,
	)
	return m
}

// outcome labels err by its application error kind.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

// ObserveHTTP records a finished request. route is the router pattern, not
// the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	atomic.AddInt64(&m.requests, 1)
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveStore records a table store operation.
func (m *Metrics) ObserveStore(op string, d time.Duration, err error) {
	atomic.AddInt64(&m.storeOps, 1)
	if err != nil {
		atomic.AddInt64(&m.storeErrors, 1)
	}
	m.storeTotal.WithLabelValues(op, outcome(err)).Inc()
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveUpload records an upload attempt of size bytes.
func (m *Metrics) ObserveUpload(size int, d time.Duration, err error) {
	m.uploadTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	atomic.AddInt64(&m.uploads, 1)
	atomic.AddInt64(&m.uploadBytes, int64(size))
	m.uploadSize.Add(float64(size))
}

// ObserveAuth records a signup, login, confirm or refresh.
func (m *Metrics) ObserveAuth(action string, err error) {
	if err != nil {
		atomic.AddInt64(&m.authFailures, 1)
	}
	m.authTotal.WithLabelValues(action, outcome(err)).Inc()
}

// Report is a point-in-time summary of the counters.
type Report struct {
	StartTime    time.Time     `json:"startTime"`
	Uptime       time.Duration `json:"uptime"`
	Requests     int64         `json:"requests"`
	StoreOps     int64         `json:"storeOps"`
	StoreErrors  int64         `json:"storeErrors"`
	Uploads      int64         `json:"uploads"`
	UploadBytes  int64         `json:"uploadBytes"`
	AuthFailures int64         `json:"authFailures"`
}

// GenerateReport snapshots the counters.
func (m *Metrics) GenerateReport() Report {
	return Report{
		StartTime:    m.startTime,
		Uptime:       time.Since(m.startTime),
		Requests:     atomic.LoadInt64(&m.requests),
		StoreOps:     atomic.LoadInt64(&m.storeOps),
		StoreErrors:  atomic.LoadInt64(&m.storeErrors),
		Uploads:      atomic.LoadInt64(&m.uploads),
		UploadBytes:  atomic.LoadInt64(&m.uploadBytes),
		AuthFailures: atomic.LoadInt64(&m.authFailures),
	}
}

// MarshalJSON renders Uptime as a duration string.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Uptime string `json:"uptime"`
	}{
		Alias:  Alias(r),
		Uptime: r.Uptime.Truncate(time.Second).String(),
	})
}

func (r Report) String() string {
	return fmt.Sprintf(
		"Up %s\n"+
			"Requests: %d\n"+
			"Store operations: %d (%d failed)\n"+
			"Uploads: %d (%s)\n"+
			"Auth failures: %d",
		r.Uptime.Truncate(time.Second),
		r.Requests,
		r.StoreOps,
		r.StoreErrors,
		r.Uploads,
		humanize.IBytes(uint64(r.UploadBytes)),
		r.AuthFailures,
	)
}

// Handler serves the prometheus exposition format for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
