package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sandstormd/sandstorm/internal/model"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteU8(0xAB); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU16(0x1234); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU32(0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU64(0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	if v, err := r.ReadU8(); err != nil || v != 0xAB {
		t.Fatalf("u8: %v %v", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 0x1234 {
		t.Fatalf("u16: %v %v", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("u32: %v %v", v, err)
	}
	if v, err := r.ReadU64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("u64: %v %v", v, err)
	}
	if s, err := r.ReadString(true); err != nil || s != "hello" {
		t.Fatalf("string: %q %v", s, err)
	}
}

func TestZeroLengthStringForbidden(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteU8(0)
	_ = w.Flush()
	r := NewReader(&buf)
	if _, err := r.ReadString(true); err == nil {
		t.Fatal("expected malformed error for zero-length string")
	}
}

func TestSocketAddrRoundTripIPv4AndIPv6(t *testing.T) {
	cases := []*net.TCPAddr{
		{IP: net.ParseIP("127.0.0.1").To4(), Port: 1080},
		{IP: net.ParseIP("::1"), Port: 2222},
	}
	for _, addr := range cases {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.WriteSocketAddr(addr); err != nil {
			t.Fatal(err)
		}
		_ = w.Flush()
		r := NewReader(&buf)
		got, err := r.ReadSocketAddr()
		if err != nil {
			t.Fatal(err)
		}
		if !got.IP.Equal(addr.IP) || got.Port != addr.Port {
			t.Fatalf("got %v want %v", got, addr)
		}
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	m := model.Metrics{
		BytesSent: 1, BytesReceived: 2, CurrentClients: 3,
		HistoricClients: 4, CurrentManagers: 5, HistoricManagers: 6,
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteMetrics(m); err != nil {
		t.Fatal(err)
	}
	_ = w.Flush()
	r := NewReader(&buf)
	got, err := r.ReadMetrics()
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestEventRoundTripEachKind(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 443}
	now := time.UnixMilli(time.Now().UnixMilli())

	events := []model.Event{
		{Seq: 1, Timestamp: now, Kind: model.EventSessionOpened, SessionID: 7, ClientAddr: addr},
		{Seq: 2, Timestamp: now, Kind: model.EventSessionClosed, SessionID: 7, BytesUp: 100, BytesDown: 200},
		{Seq: 3, Timestamp: now, Kind: model.EventSessionAuthenticated, SessionID: 7, Username: "bob"},
		{Seq: 4, Timestamp: now, Kind: model.EventUpstreamResolved, SessionID: 7, Host: "example.com"},
		{Seq: 5, Timestamp: now, Kind: model.EventUpstreamConnected, SessionID: 7, Addr: addr},
		{Seq: 6, Timestamp: now, Kind: model.EventUpstreamFailed, SessionID: 7, FailedMsg: "refused"},
		{Seq: 7, Timestamp: now, Kind: model.EventBytesTransferred, Snapshot: model.Metrics{BytesSent: 9}},
		{Seq: 8, Timestamp: now, Kind: model.EventUserAdded, User: model.User{Username: "bob", Role: model.RoleRegular}},
		{Seq: 9, Timestamp: now, Kind: model.EventUserUpdated, User: model.User{Username: "bob", Role: model.RoleAdmin}},
		{Seq: 10, Timestamp: now, Kind: model.EventUserRemoved, User: model.User{Username: "bob", Role: model.RoleRegular}},
		{Seq: 11, Timestamp: now, Kind: model.EventAuthMethodToggled, Method: model.AuthUserPass, Enabled: true},
		{Seq: 12, Timestamp: now, Kind: model.EventListenerAdded, Family: model.FamilySOCKS5, ListenAddr: addr},
		{Seq: 13, Timestamp: now, Kind: model.EventListenerRemoved, Family: model.FamilySandstorm, ListenAddr: addr},
		{Seq: 14, Timestamp: now, Kind: model.EventBufferSizeChanged, BufferSize: 16384},
		{Seq: 15, Timestamp: now, Kind: model.EventShutdownRequested},
	}

	for _, e := range events {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.WriteEvent(e); err != nil {
			t.Fatalf("kind %d write: %v", e.Kind, err)
		}
		_ = w.Flush()
		r := NewReader(&buf)
		got, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("kind %d read: %v", e.Kind, err)
		}
		if got.Seq != e.Seq || got.Kind != e.Kind {
			t.Fatalf("kind %d: seq/kind mismatch got %+v want %+v", e.Kind, got, e)
		}
	}
}
