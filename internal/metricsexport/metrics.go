// Package metricsexport mirrors coordinator counters onto Prometheus
// collectors and serves them over HTTP.
package metricsexport

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MetricBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandstorm_bytes_sent_total",
		Help: "Total bytes relayed from clients to upstream",
	})

	MetricBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandstorm_bytes_received_total",
		Help: "Total bytes relayed from upstream to clients",
	})

	MetricCurrentClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandstorm_current_clients",
		Help: "Current open SOCKS5 client sessions",
	})

	MetricHistoricClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandstorm_historic_clients_total",
		Help: "Total SOCKS5 client sessions opened since start",
	})

	MetricCurrentManagers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandstorm_current_managers",
		Help: "Current open Sandstorm management sessions",
	})

	MetricHistoricManagers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandstorm_historic_managers_total",
		Help: "Total Sandstorm management sessions opened since start",
	})
)

// Sink implements coordinator.MetricsSink, mirroring every mutation onto
// the collectors above. Current clients/managers are gauges and are set
// to the absolute value the coordinator passes in.
type Sink struct{}

func NewSink() *Sink { return &Sink{} }

func (Sink) AddBytesSent(n uint64)     { MetricBytesSent.Add(float64(n)) }
func (Sink) AddBytesReceived(n uint64) { MetricBytesReceived.Add(float64(n)) }
func (Sink) IncHistoricClients()       { MetricHistoricClients.Inc() }
func (Sink) IncHistoricManagers()      { MetricHistoricManagers.Inc() }

func (Sink) SetCurrentClients(n uint64)  { MetricCurrentClients.Set(float64(n)) }
func (Sink) SetCurrentManagers(n uint64) { MetricCurrentManagers.Set(float64(n)) }

// Server wraps the HTTP server exposing /metrics.
type Server struct {
	server *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{server: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving metrics in the background. errc receives the
// terminal error from ListenAndServe, if any (nil on graceful Shutdown).
func (s *Server) Start(errc chan<- error) {
	go func() {
		err := s.server.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errc <- err
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
