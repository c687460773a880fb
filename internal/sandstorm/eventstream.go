package sandstorm

import (
	"github.com/sandstormd/sandstorm/internal/eventbus"
	"github.com/sandstormd/sandstorm/internal/wire"
)

// handleEventConfig implements the 0x01 Event Stream Config exchange
// (spec.md §4.3, §6.2). Enabling takes a metrics snapshot and a bus
// subscription atomically (via Coordinator.SnapshotAndSubscribe) so the
// forwarded stream picks up exactly where the snapshot left off.
func (s *session) handleEventConfig(enable bool) []byte {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if !enable || s.eventStreamDisabled {
		if s.streamEnabled {
			s.streamSub.Unsubscribe()
			close(s.streamStop)
			s.streamEnabled = false
		}
		return buildFrame(opEventConfig, func(w *wire.Writer) error { return w.WriteU8(0x00) })
	}

	if s.streamEnabled {
		return buildFrame(opEventConfig, func(w *wire.Writer) error { return w.WriteU8(0x02) })
	}

	snapshot, sub := s.coord.SnapshotAndSubscribe()
	s.streamEnabled = true
	s.streamSub = sub
	s.streamStop = make(chan struct{})

	s.streamWG.Go(func() error {
		s.forwardEvents(sub, s.streamStop)
		return nil
	})

	return buildFrame(opEventConfig, func(w *wire.Writer) error {
		if err := w.WriteU8(0x01); err != nil {
			return err
		}
		return w.WriteMetrics(snapshot)
	})
}

// forwardEvents relays bus events to the client as 0x02 frames until
// the subscription overruns (slow consumer, spec.md §4.3) or the
// session tears it down.
func (s *session) forwardEvents(sub *eventbus.Subscription, stop chan struct{}) {
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				// An overrun closes Overrun before Events, so a closed
				// Events may be the eviction rather than an unsubscribe.
				select {
				case <-sub.Overrun:
					s.terminate()
				default:
				}
				return
			}
			frame := buildFrame(opEventStream, func(w *wire.Writer) error {
				return w.WriteEvent(e)
			})
			s.writeFrame(frame)
		case <-sub.Overrun:
			s.terminate()
			return
		case <-stop:
			return
		}
	}
}

func (s *session) terminate() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
