package listenerset

import (
	"net"
	"testing"
	"time"

	"github.com/sandstormd/sandstorm/internal/model"
)

func TestAddAcceptsConnections(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	s := New(func(conn net.Conn, family model.ListenerFamily) {
		accepted <- conn
	})

	addr, err := s.Add(model.FamilySOCKS5, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	defer s.CloseAll()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestListReturnsAddedListener(t *testing.T) {
	s := New(func(net.Conn, model.ListenerFamily) {})
	addr, err := s.Add(model.FamilySandstorm, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer s.CloseAll()

	list := s.List(model.FamilySandstorm)
	if len(list) != 1 || list[0].Port != addr.Port {
		t.Fatalf("got %+v want listener on port %d", list, addr.Port)
	}
	if len(s.List(model.FamilySOCKS5)) != 0 {
		t.Fatal("expected no socks5 listeners")
	}
}

func TestRemoveStopsAcceptLoop(t *testing.T) {
	s := New(func(net.Conn, model.ListenerFamily) {})
	addr, err := s.Add(model.FamilySOCKS5, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	if !s.Remove(model.FamilySOCKS5, addr) {
		t.Fatal("expected remove to succeed")
	}
	if len(s.List(model.FamilySOCKS5)) != 0 {
		t.Fatal("expected listener set empty after remove")
	}
	if _, err := net.Dial("tcp", addr.String()); err == nil {
		t.Fatal("expected dial to fail after listener removed")
	}
}

func TestRemoveNotFoundReturnsFalse(t *testing.T) {
	s := New(func(net.Conn, model.ListenerFamily) {})
	if s.Remove(model.FamilySOCKS5, &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 9999}) {
		t.Fatal("expected false for nonexistent listener")
	}
}

func TestAddSameAddressTwiceAllowed(t *testing.T) {
	s := New(func(net.Conn, model.ListenerFamily) {})
	addr1, err := s.Add(model.FamilySOCKS5, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer s.CloseAll()
	// Dual-stack style: binding another socket is independent of the
	// first even though listener set tracking is by exact address.
	addr2, err := s.Add(model.FamilySOCKS5, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if addr1.Port == addr2.Port {
		t.Skip("OS assigned the same ephemeral port twice, cannot distinguish")
	}
	if len(s.List(model.FamilySOCKS5)) != 2 {
		t.Fatal("expected two independent listener entries")
	}
}
