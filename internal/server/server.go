// Package server is the throttleguard demo HTTP server: a guarded API, an
// explicit check endpoint, health, Prometheus metrics and a websocket
// stream of decisions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/httpguard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/obs"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

// Options configure a Server. Guard is required.
type Options struct {
	Addr   string
	Guard  *guard.Guard
	Logger zerolog.Logger

	// Metrics and Gatherer enable request metrics and the metrics
	// endpoint at MetricsPath.
	Metrics     *obs.Metrics
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// Hub, if set, is served at /ws and receives admissions. Register it
	// as a guard observer to stream rejections too.
	Hub *Hub
	// Recorder, if set, records traffic to the guarded API.
	Recorder *recorder.Recorder
	// APIPolicy is the policy applied to /api/. Empty selects the default.
	APIPolicy string
}

// Server is the throttleguard HTTP server.
type Server struct {
	opts       Options
	log        zerolog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a server. It does not listen until Start.
func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  opts.Logger,
		mux:  http.NewServeMux(),
	}
	s.routes()

	var h http.Handler = s.mux
	if opts.Metrics != nil {
		h = opts.Metrics.Middleware(h)
	}
	h = obs.RequestLogger(s.log)(h)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler with logging and metrics applied.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/check/{policy}/{key}", s.handleCheck)

	var api http.Handler = http.HandlerFunc(s.handleEcho)
	api = httpguard.Middleware(httpguard.Options{
		Guard:  s.opts.Guard,
		Policy: s.opts.APIPolicy,
	})(api)
	if s.opts.Recorder != nil {
		api = RecordingMiddleware(api, s.opts.Recorder, s.opts.Guard.Clock(), s.opts.APIPolicy)
	}
	s.mux.Handle("/api/", api)

	if s.opts.Gatherer != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Hub != nil {
		s.mux.HandleFunc("GET /ws", s.opts.Hub.HandleWebSocket)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "throttleguard",
		"status":   "running",
		"time":     s.opts.Guard.Clock().Now().Format(time.RFC3339),
		"policies": s.opts.Guard.Policies(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CheckResponse is the body of an admitted check.
type CheckResponse struct {
	Allowed   bool   `json:"allowed"`
	Policy    string `json:"policy"`
	Key       string `json:"key"`
	Remaining *int   `json:"remaining,omitempty"`
}

// handleCheck consumes one admission for {key} under {policy}.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	policy, key := r.PathValue("policy"), r.PathValue("key")
	rc := httpguard.DefaultContext(r)
	tr := recorder.TrafficRecord{
		Timestamp: s.opts.Guard.Clock().Now(),
		Key:       key,
		Policy:    policy,
		Endpoint:  endpoint(r.Method, r.URL.Path),
	}
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Record(tr); err != nil {
			s.log.Error().Err(err).Msg("record traffic")
		}
	}

	err := s.opts.Guard.Do(r.Context(), guard.Request{Key: key, Policy: policy, Context: rc}, func(context.Context) error {
		return nil
	})

	var rlErr *guard.RateLimitError
	switch {
	case err == nil:
		resp := CheckResponse{Allowed: true, Policy: policy, Key: key}
		if st, ok := s.opts.Guard.Strategy(policy); ok {
			if in, ok := st.(strategy.Inspector); ok {
				n := in.Remaining(key)
				resp.Remaining = &n
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(n))
			}
		}
		s.publish(tr, nil)
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &rlErr):
		httpguard.WriteRejection(w, rlErr)
	case guard.ErrUnknownStrategy.Has(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// handleEcho is the protected resource behind /api/.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	key := httpguard.DefaultKey(r)
	s.publish(recorder.TrafficRecord{
		Timestamp: s.opts.Guard.Clock().Now(),
		Key:       key,
		Policy:    s.opts.APIPolicy,
		Endpoint:  endpoint(r.Method, r.URL.Path),
	}, nil)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ok",
		"key":     key,
		"path":    r.URL.Path,
	})
}

func (s *Server) publish(tr recorder.TrafficRecord, err error) {
	if s.opts.Hub == nil {
		return
	}
	s.opts.Hub.Broadcast(recorder.NewDecisionEvent(tr, err, s.opts.Guard.Clock().Now()))
}

// Start listens on the configured address. It blocks until the server is
// shut down, returning nil after a graceful Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener serves on ln. Tests use it with an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Strs("policies", s.opts.Guard.Policies()).Msg("throttleguard listening")
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
