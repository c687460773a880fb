package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/sandstormd/sandstorm/internal/model"
)

// Writer encodes wire primitives onto a byte stream. Callers that need a
// single atomic frame write (the Sandstorm writer discipline, §4.3) should
// build the frame into a *bufio.Writer backed by a bytes.Buffer and flush
// once, or take the session's write mutex around a sequence of calls; this
// type does no locking of its own.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{w: bw}
	}
	return &Writer{w: bufio.NewWriter(w)}
}

func (wr *Writer) Flush() error { return wr.w.Flush() }

// WriteRaw writes b with no length prefix or framing, for the handful
// of fixed-layout replies the protocol defines (the Meow response).
func (wr *Writer) WriteRaw(b []byte) error {
	_, err := wr.w.Write(b)
	return err
}

func (wr *Writer) WriteU8(v uint8) error {
	return wr.w.WriteByte(v)
}

func (wr *Writer) WriteU16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := wr.w.Write(buf[:])
	return err
}

func (wr *Writer) WriteU32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := wr.w.Write(buf[:])
	return err
}

func (wr *Writer) WriteU64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := wr.w.Write(buf[:])
	return err
}

// WriteString encodes s as a one-byte length prefix followed by its
// bytes. s must be at most 255 bytes; callers are expected to have
// validated this upstream (the data model enforces it on User/AuthHeader
// construction).
func (wr *Writer) WriteString(s string) error {
	if len(s) > 255 {
		return errors.New("wire: string exceeds 255 bytes")
	}
	if err := wr.WriteU8(uint8(len(s))); err != nil {
		return err
	}
	_, err := wr.w.WriteString(s)
	return err
}

func (wr *Writer) WriteLongString(s string) error {
	if len(s) > 65535 {
		s = s[:65535]
	}
	if err := wr.WriteU16(uint16(len(s))); err != nil {
		return err
	}
	_, err := wr.w.WriteString(s)
	return err
}

// WriteSocketAddr encodes a discriminator byte, the address bytes, and
// the big-endian port.
func (wr *Writer) WriteSocketAddr(addr *net.TCPAddr) error {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		if err := wr.WriteU8(4); err != nil {
			return err
		}
		if _, err := wr.w.Write(ip4); err != nil {
			return err
		}
	} else {
		ip16 := addr.IP.To16()
		if ip16 == nil {
			ip16 = net.IPv6zero
		}
		if err := wr.WriteU8(6); err != nil {
			return err
		}
		if _, err := wr.w.Write(ip16); err != nil {
			return err
		}
	}
	return wr.WriteU16(uint16(addr.Port))
}

func (wr *Writer) WriteUserRole(r model.Role) error {
	return wr.WriteU8(byte(r))
}

func (wr *Writer) WriteAuthMethod(m model.AuthMethodID) error {
	return wr.WriteU8(byte(m))
}

func (wr *Writer) WriteIoError(e model.IoError) error {
	if err := wr.WriteU8(byte(e.Kind)); err != nil {
		return err
	}
	return wr.WriteLongString(e.Message)
}

func (wr *Writer) WriteMetrics(m model.Metrics) error {
	for _, v := range []uint64{
		m.BytesSent, m.BytesReceived, m.CurrentClients,
		m.HistoricClients, m.CurrentManagers, m.HistoricManagers,
	} {
		if err := wr.WriteU64(v); err != nil {
			return err
		}
	}
	return nil
}
