package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/sandstormd/sandstorm/internal/model"
)

func testUsers() []model.User {
	return []model.User{{Username: "admin", Password: "admin", Role: model.RoleAdmin}}
}

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	return New(testUsers(), func(net.Conn, model.ListenerFamily, uint64) {}, 0, opts...)
}

func mustSubscribe(t *testing.T, c *Coordinator) chan model.Event {
	t.Helper()
	sub := c.Bus().Subscribe()
	out := make(chan model.Event, 16)
	go func() {
		for e := range sub.Events {
			out <- e
		}
	}()
	return out
}

func TestAddUserPublishesEvent(t *testing.T) {
	c := newTestCoordinator(t)
	events := mustSubscribe(t, c)

	if err := c.AddUser(model.User{Username: "bob", Password: "hunter2", Role: model.RoleRegular}); err != nil {
		t.Fatalf("add user: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != model.EventUserAdded || e.User.Username != "bob" {
			t.Fatalf("got %+v", e)
		}
		if e.Seq == 0 {
			t.Fatal("expected nonzero sequence number")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSequenceNumbersIncreaseMonotonically(t *testing.T) {
	c := newTestCoordinator(t)
	events := mustSubscribe(t, c)

	if err := c.AddUser(model.User{Username: "a", Password: "pw", Role: model.RoleRegular}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetBufferSize(16384); err != nil {
		t.Fatal(err)
	}

	var seqs []uint64
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seqs = append(seqs, e.Seq)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	if seqs[1] <= seqs[0] {
		t.Fatalf("sequence did not increase: %v", seqs)
	}
}

func TestDeleteLastAdminRejected(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.DeleteUser("admin"); err == nil {
		t.Fatal("expected error deleting the only admin")
	}
}

func TestListenerAddAndRemove(t *testing.T) {
	c := newTestCoordinator(t)
	events := mustSubscribe(t, c)

	addr, err := c.AddListener(model.FamilySOCKS5, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer c.listeners.CloseAll()

	select {
	case e := <-events:
		if e.Kind != model.EventListenerAdded {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no listener-added event")
	}

	if list := c.ListListeners(model.FamilySOCKS5); len(list) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(list))
	}

	if !c.RemoveListener(model.FamilySOCKS5, addr) {
		t.Fatal("expected remove to succeed")
	}
	select {
	case e := <-events:
		if e.Kind != model.EventListenerRemoved {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no listener-removed event")
	}
}

func TestSetBufferSizeRejectsZero(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.SetBufferSize(0); err == nil {
		t.Fatal("expected error for zero buffer size")
	}
	if c.BufferSize() != model.DefaultBufferSize {
		t.Fatalf("buffer size changed despite rejected call: %d", c.BufferSize())
	}
}

func TestSOCKS5SessionLifecycleUpdatesMetrics(t *testing.T) {
	c := newTestCoordinator(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5555}

	c.OpenSOCKS5Session(1, addr)
	m := c.CurrentMetrics()
	if m.CurrentClients != 1 || m.HistoricClients != 1 {
		t.Fatalf("got %+v", m)
	}

	c.RecordBytes(100, 200)
	m = c.CurrentMetrics()
	if m.BytesSent != 100 || m.BytesReceived != 200 {
		t.Fatalf("got %+v", m)
	}

	c.CloseSOCKS5Session(1, addr, 100, 200)
	m = c.CurrentMetrics()
	if m.CurrentClients != 0 || m.HistoricClients != 1 {
		t.Fatalf("expected current_clients back to 0, historic unchanged: %+v", m)
	}
}

func TestSnapshotAndSubscribeNoGap(t *testing.T) {
	c := newTestCoordinator(t)
	c.RecordBytes(50, 0)

	snap, sub := c.SnapshotAndSubscribe()
	if snap.BytesSent != 50 {
		t.Fatalf("expected snapshot to include prior bytes, got %+v", snap)
	}

	if err := c.AddUser(model.User{Username: "carol", Password: "pw", Role: model.RoleRegular}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-sub.Events:
		if e.Kind != model.EventUserAdded {
			t.Fatalf("expected the post-subscribe event to be forwarded, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event after subscribe")
	}
}

func TestAuthMethodToggle(t *testing.T) {
	c := newTestCoordinator(t)
	if !c.AuthEnabled(model.AuthNoAuth) {
		t.Fatal("expected NoAuth enabled by default")
	}
	if err := c.SetAuthEnabled(model.AuthNoAuth, false); err != nil {
		t.Fatal(err)
	}
	if c.AuthEnabled(model.AuthNoAuth) {
		t.Fatal("expected NoAuth disabled after toggle")
	}
}

func TestShutdownPersistsUsers(t *testing.T) {
	var persisted []model.User
	c := newTestCoordinator(t, WithPersist(func(users []model.User) error {
		persisted = users
		return nil
	}))

	if err := c.AddUser(model.User{Username: "dave", Password: "pw", Role: model.RoleRegular}); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted users, got %d", len(persisted))
	}
}

func TestMetricsSinkMirrorsBytes(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCoordinator(t, WithMetricsSink(sink))
	c.RecordBytes(10, 20)
	if sink.sent != 10 || sink.received != 20 {
		t.Fatalf("sink did not mirror bytes: %+v", sink)
	}
}

type recordingSink struct {
	sent, received       uint64
	currentClients       uint64
	historicClientsCalls  int
}

func (s *recordingSink) AddBytesSent(d uint64)     { s.sent += d }
func (s *recordingSink) AddBytesReceived(d uint64) { s.received += d }
func (s *recordingSink) SetCurrentClients(n uint64) { s.currentClients = n }
func (s *recordingSink) IncHistoricClients()        { s.historicClientsCalls++ }
func (s *recordingSink) SetCurrentManagers(uint64)  {}
func (s *recordingSink) IncHistoricManagers()       {}
