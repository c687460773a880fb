package wire

import (
	"net"
	"strconv"
	"time"

	"github.com/sandstormd/sandstorm/internal/model"
)

// WriteEvent encodes an Event as a one-byte kind tag followed by a
// variant body. Every body begins with the sequence number and
// millisecond timestamp common to all events, then the kind-specific
// fields from model.Event.
func (wr *Writer) WriteEvent(e model.Event) error {
	if err := wr.WriteU8(byte(e.Kind)); err != nil {
		return err
	}
	if err := wr.WriteU64(e.Seq); err != nil {
		return err
	}
	if err := wr.WriteU64(uint64(e.Timestamp.UnixMilli())); err != nil {
		return err
	}

	switch e.Kind {
	case model.EventSessionOpened:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		return wr.WriteSocketAddr(toTCPAddr(e.ClientAddr))

	case model.EventSessionClosed:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		if err := wr.WriteU64(e.BytesUp); err != nil {
			return err
		}
		return wr.WriteU64(e.BytesDown)

	case model.EventSessionAuthenticated:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		return wr.WriteString(e.Username)

	case model.EventUpstreamResolved:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		return wr.WriteLongString(e.Host)

	case model.EventUpstreamConnected:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		return wr.WriteSocketAddr(toTCPAddr(e.Addr))

	case model.EventUpstreamFailed:
		if err := wr.WriteU64(e.SessionID); err != nil {
			return err
		}
		return wr.WriteLongString(e.FailedMsg)

	case model.EventBytesTransferred:
		return wr.WriteMetrics(e.Snapshot)

	case model.EventUserAdded, model.EventUserUpdated, model.EventUserRemoved:
		if err := wr.WriteString(e.User.Username); err != nil {
			return err
		}
		return wr.WriteUserRole(e.User.Role)

	case model.EventAuthMethodToggled:
		if err := wr.WriteAuthMethod(e.Method); err != nil {
			return err
		}
		return wr.WriteU8(boolByte(e.Enabled))

	case model.EventListenerAdded, model.EventListenerRemoved:
		if err := wr.WriteU8(byte(e.Family)); err != nil {
			return err
		}
		return wr.WriteSocketAddr(toTCPAddr(e.ListenAddr))

	case model.EventBufferSizeChanged:
		return wr.WriteU32(e.BufferSize)

	case model.EventShutdownRequested:
		return nil

	default:
		return malformed("unknown event kind")
	}
}

// ReadEvent is the inverse of WriteEvent.
func (rd *Reader) ReadEvent() (model.Event, error) {
	kindByte, err := rd.ReadU8()
	if err != nil {
		return model.Event{}, err
	}
	kind := model.EventKind(kindByte)

	seq, err := rd.ReadU64()
	if err != nil {
		return model.Event{}, err
	}
	millis, err := rd.ReadU64()
	if err != nil {
		return model.Event{}, err
	}
	e := model.Event{Seq: seq, Timestamp: time.UnixMilli(int64(millis)), Kind: kind}

	switch kind {
	case model.EventSessionOpened:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		addr, err := rd.ReadSocketAddr()
		if err != nil {
			return model.Event{}, err
		}
		e.ClientAddr = addr

	case model.EventSessionClosed:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		if e.BytesUp, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		if e.BytesDown, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}

	case model.EventSessionAuthenticated:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		if e.Username, err = rd.ReadString(false); err != nil {
			return model.Event{}, err
		}

	case model.EventUpstreamResolved:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		if e.Host, err = rd.ReadLongString(); err != nil {
			return model.Event{}, err
		}

	case model.EventUpstreamConnected:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		addr, err := rd.ReadSocketAddr()
		if err != nil {
			return model.Event{}, err
		}
		e.Addr = addr

	case model.EventUpstreamFailed:
		if e.SessionID, err = rd.ReadU64(); err != nil {
			return model.Event{}, err
		}
		if e.FailedMsg, err = rd.ReadLongString(); err != nil {
			return model.Event{}, err
		}

	case model.EventBytesTransferred:
		snap, err := rd.ReadMetrics()
		if err != nil {
			return model.Event{}, err
		}
		e.Snapshot = snap

	case model.EventUserAdded, model.EventUserUpdated, model.EventUserRemoved:
		uname, err := rd.ReadString(true)
		if err != nil {
			return model.Event{}, err
		}
		role, err := rd.ReadUserRole()
		if err != nil {
			return model.Event{}, err
		}
		e.User = model.User{Username: uname, Role: role}

	case model.EventAuthMethodToggled:
		m, err := rd.ReadAuthMethod()
		if err != nil {
			return model.Event{}, err
		}
		en, err := rd.ReadU8()
		if err != nil {
			return model.Event{}, err
		}
		e.Method = m
		e.Enabled = en != 0

	case model.EventListenerAdded, model.EventListenerRemoved:
		fam, err := rd.ReadU8()
		if err != nil {
			return model.Event{}, err
		}
		addr, err := rd.ReadSocketAddr()
		if err != nil {
			return model.Event{}, err
		}
		e.Family = model.ListenerFamily(fam)
		e.ListenAddr = addr

	case model.EventBufferSizeChanged:
		if e.BufferSize, err = rd.ReadU32(); err != nil {
			return model.Event{}, err
		}

	case model.EventShutdownRequested:
		// no payload

	default:
		return model.Event{}, malformed("unknown event kind")
	}

	return e, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// toTCPAddr normalizes any net.Addr carrying an IP+port into *net.TCPAddr
// for wire encoding; events always originate from TCP sockets in this
// protocol.
func toTCPAddr(a net.Addr) *net.TCPAddr {
	if a == nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	ip := net.ParseIP(host)
	p, _ := strconv.Atoi(port)
	return &net.TCPAddr{IP: ip, Port: p}
}
