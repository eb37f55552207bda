package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "finlink"

// Metrics groups the collectors the data layer reports to.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Retries         prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RefreshWaiters  prometheus.Counter
	Reconnects      prometheus.Counter
	ConnectionState *prometheus.GaugeVec
	Sends           *prometheus.CounterVec
	UnreadTotal     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Transient request failures that were retried.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refreshes_total",
			Help:      "Access token refresh calls by result.",
		}, []string{"result"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_waiters_total",
			Help:      "Requests parked behind an in-flight refresh.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unexpected close.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "1 for the current live channel state, 0 otherwise.",
		}, []string{"state"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Optimistic sends by final outcome.",
		}, []string{"outcome"}),
		UnreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "unread_total",
			Help:      "Unread messages across all conversations.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.Retries, m.Refreshes, m.RefreshWaiters,
		m.Reconnects, m.ConnectionState, m.Sends, m.UnreadTotal,
	)
	return m
}

// Discard returns collectors registered to a private registry, for callers
// that do not export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Server exposes a registry over HTTP at /metrics.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, g prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
