package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
)

// Metrics exports guard activity to Prometheus. It is a guard.Observer.
type Metrics struct {
	Rejections    *prometheus.CounterVec
	RetryAfter    *prometheus.HistogramVec
	SweptKeys     *prometheus.CounterVec
	TrackedKeys   *prometheus.GaugeVec
	RequestsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttleguard_rejections_total",
				Help: "Total units of work rejected by the guard",
			},
			[]string{"policy"},
		),
		RetryAfter: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "throttleguard_retry_after_seconds",
				Help:    "Retry delay reported with each rejection",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"policy"},
		),
		SweptKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttleguard_swept_keys_total",
				Help: "Total idle or evicted keys removed by sweeps",
			},
			[]string{"policy"},
		),
		TrackedKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "throttleguard_tracked_keys",
				Help: "Keys currently holding rate-limit state",
			},
			[]string{"policy"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttleguard_http_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"method", "code"},
		),
	}

	reg.MustRegister(m.Rejections, m.RetryAfter, m.SweptKeys, m.TrackedKeys, m.RequestsTotal)
	return m
}

func (m *Metrics) Notify(err *guard.RateLimitError, _ *guard.RequestContext) {
	m.Rejections.WithLabelValues(err.Policy()).Inc()
	m.RetryAfter.WithLabelValues(err.Policy()).Observe(err.RetryAfter().Seconds())
}

// RecordSweep adds a sweep result and refreshes the tracked key gauges.
func (m *Metrics) RecordSweep(removed, tracked map[string]int) {
	for policy, n := range removed {
		m.SweptKeys.WithLabelValues(policy).Add(float64(n))
	}
	for policy, n := range tracked {
		m.TrackedKeys.WithLabelValues(policy).Set(float64(n))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("obs: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware counts requests by method and status code.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		code := rec.status
		if code == 0 {
			code = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
	})
}
