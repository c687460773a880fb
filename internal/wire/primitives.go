// Package wire implements the length-prefixed binary primitives shared
// by the Sandstorm protocol: fixed-width big-endian integers,
// length-prefixed strings, socket addresses, and the tagged
// Event/IoError/Metrics composites built from them. Byte order is fixed
// per field by the protocol and never varies.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"

	"github.com/sandstormd/sandstorm/internal/model"
)

// ErrMalformedFrame is returned (possibly wrapped) whenever a decode hits
// truncation, invalid UTF-8, an unrecognized enum tag, or a zero-length
// string where one is forbidden.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, reason)
}

// Reader decodes wire primitives from a byte stream. It is not safe for
// concurrent use; each session owns exactly one.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

func (rd *Reader) fill(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated frame")
		}
		return nil, err
	}
	return buf, nil
}

func (rd *Reader) ReadU8() (uint8, error) {
	b, err := rd.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, malformed("truncated u8")
	}
	return b, nil
}

func (rd *Reader) ReadU16() (uint16, error) {
	buf, err := rd.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (rd *Reader) ReadU32() (uint32, error) {
	buf, err := rd.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (rd *Reader) ReadU64() (uint64, error) {
	buf, err := rd.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// ReadString decodes a one-byte-length-prefixed UTF-8 string. If
// forbidZero is true, a zero-length string is rejected as malformed
// (used for usernames and passwords, which must be 1..=255 bytes).
func (rd *Reader) ReadString(forbidZero bool) (string, error) {
	l, err := rd.ReadU8()
	if err != nil {
		return "", err
	}
	if l == 0 {
		if forbidZero {
			return "", malformed("zero-length string")
		}
		return "", nil
	}
	buf, err := rd.fill(int(l))
	if err != nil {
		return "", err
	}
	if !isValidUTF8(buf) {
		return "", malformed("invalid utf-8")
	}
	return string(buf), nil
}

// ReadLongString decodes a two-byte big-endian-length-prefixed UTF-8
// string, used for IoError messages.
func (rd *Reader) ReadLongString() (string, error) {
	l, err := rd.ReadU16()
	if err != nil {
		return "", err
	}
	if l == 0 {
		return "", nil
	}
	buf, err := rd.fill(int(l))
	if err != nil {
		return "", err
	}
	if !isValidUTF8(buf) {
		return "", malformed("invalid utf-8")
	}
	return string(buf), nil
}

// ReadSocketAddr decodes a discriminator byte (4=IPv4, 6=IPv6) followed
// by the address bytes and a big-endian port.
func (rd *Reader) ReadSocketAddr() (*net.TCPAddr, error) {
	disc, err := rd.ReadU8()
	if err != nil {
		return nil, err
	}
	var ipLen int
	switch disc {
	case 4:
		ipLen = 4
	case 6:
		ipLen = 16
	default:
		return nil, malformed("invalid socket addr discriminator")
	}
	ipBuf, err := rd.fill(ipLen)
	if err != nil {
		return nil, err
	}
	port, err := rd.ReadU16()
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: net.IP(ipBuf), Port: int(port)}, nil
}

func (rd *Reader) ReadUserRole() (model.Role, error) {
	b, err := rd.ReadU8()
	if err != nil {
		return 0, err
	}
	role := model.Role(b)
	if !role.Valid() {
		return 0, malformed("invalid user role tag")
	}
	return role, nil
}

func (rd *Reader) ReadAuthMethod() (model.AuthMethodID, error) {
	b, err := rd.ReadU8()
	if err != nil {
		return 0, err
	}
	m := model.AuthMethodID(b)
	if !m.Valid() {
		return 0, malformed("invalid auth method tag")
	}
	return m, nil
}

func (rd *Reader) ReadIoError() (model.IoError, error) {
	kind, err := rd.ReadU8()
	if err != nil {
		return model.IoError{}, err
	}
	if kind > byte(model.IoErrOther) {
		return model.IoError{}, malformed("invalid io error kind")
	}
	msg, err := rd.ReadLongString()
	if err != nil {
		return model.IoError{}, err
	}
	return model.IoError{Kind: model.IoErrorKind(kind), Message: msg}, nil
}

func (rd *Reader) ReadMetrics() (model.Metrics, error) {
	var m model.Metrics
	vals := make([]*uint64, 6)
	vals[0], vals[1], vals[2] = &m.BytesSent, &m.BytesReceived, &m.CurrentClients
	vals[3], vals[4], vals[5] = &m.HistoricClients, &m.CurrentManagers, &m.HistoricManagers
	for _, v := range vals {
		u, err := rd.ReadU64()
		if err != nil {
			return model.Metrics{}, err
		}
		*v = u
	}
	return m, nil
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
