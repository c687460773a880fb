package coordinator

import (
	"sync/atomic"

	"github.com/sandstormd/sandstorm/internal/model"
)

// atomicMetrics backs the six counters/gauges of model.Metrics with
// atomic fields so RecordBytes (called by each relay direction with its
// byte total once that direction's copy ends) never takes the
// coordinator's mutex. current_clients/
// historic_clients transitions still go through the mutex so they stay
// ordered with the session-open/close events (spec.md §5).
type atomicMetrics struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	currentClients   atomic.Uint64
	historicClients  atomic.Uint64
	currentManagers  atomic.Uint64
	historicManagers atomic.Uint64
}

func (m *atomicMetrics) snapshot() model.Metrics {
	return model.Metrics{
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		CurrentClients:   m.currentClients.Load(),
		HistoricClients:  m.historicClients.Load(),
		CurrentManagers:  m.currentManagers.Load(),
		HistoricManagers: m.historicManagers.Load(),
	}
}

// MetricsSink lets an external exporter (the Prometheus adapter, §4.8)
// mirror the same counters the wire protocol reports, updated from the
// same call sites so the two views can never diverge.
type MetricsSink interface {
	AddBytesSent(delta uint64)
	AddBytesReceived(delta uint64)
	SetCurrentClients(n uint64)
	IncHistoricClients()
	SetCurrentManagers(n uint64)
	IncHistoricManagers()
}

// noopSink is used when the coordinator is built without a Prometheus
// exporter wired in (e.g. in unit tests).
type noopSink struct{}

func (noopSink) AddBytesSent(uint64)       {}
func (noopSink) AddBytesReceived(uint64)   {}
func (noopSink) SetCurrentClients(uint64)  {}
func (noopSink) IncHistoricClients()       {}
func (noopSink) SetCurrentManagers(uint64) {}
func (noopSink) IncHistoricManagers()      {}
