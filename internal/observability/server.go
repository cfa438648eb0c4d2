// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 tapwire Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the runtime is ready to accept events.
type ReadinessChecker func() bool

// Metrics contains the Prometheus metrics exposed by the plugin runtime.
type Metrics struct {
	PluginsLoaded    prometheus.Gauge
	TasksQueued      *prometheus.GaugeVec
	TasksStarted     *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	TasksCancelled   *prometheus.CounterVec
	EventQueueDepth  prometheus.Gauge
	EventQueueDrops  *prometheus.CounterVec
	HostCallDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the runtime's custom metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapwire_plugins_loaded",
			Help: "Number of plugins currently loaded",
		}),
		TasksQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapwire_plugin_task_queue_depth",
				Help: "Number of pending tasks queued for a plugin",
			},
			[]string{"plugin"},
		),
		TasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapwire_tasks_started_total",
				Help: "Total number of tasks started by plugin",
			},
			[]string{"plugin"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapwire_tasks_completed_total",
				Help: "Total number of tasks completed successfully by plugin",
			},
			[]string{"plugin"},
		),
		TasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapwire_tasks_failed_total",
				Help: "Total number of tasks failed by plugin and error code",
			},
			[]string{"plugin", "code"},
		),
		TasksCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapwire_tasks_cancelled_total",
				Help: "Total number of tasks cancelled by plugin",
			},
			[]string{"plugin"},
		),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapwire_event_queue_depth",
			Help: "Number of events currently queued for dispatch",
		}),
		EventQueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapwire_event_queue_drops_total",
				Help: "Total number of events dropped due to a full queue, by kind",
			},
			[]string{"kind"},
		),
		HostCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapwire_host_call_duration_seconds",
				Help:    "Duration of host API calls from yield to reply, by tag",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tag"},
		),
	}

	reg.MustRegister(
		m.PluginsLoaded,
		m.TasksQueued,
		m.TasksStarted,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksCancelled,
		m.EventQueueDepth,
		m.EventQueueDrops,
		m.HostCallDuration,
	)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9090", ":9090" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the runtime metrics for recording plugin/task/queue events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints. It returns an error channel
// that receives any error from the HTTP server after it starts; the channel
// is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on, or "" if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
