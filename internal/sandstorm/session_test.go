package sandstorm

import (
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sandstormd/sandstorm/internal/authmethod"
	"github.com/sandstormd/sandstorm/internal/eventbus"
	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/sandstormd/sandstorm/internal/userstore"
)

// fakeCoordinator is a minimal standalone implementation of the
// Coordinator interface, good enough to drive a full session without
// depending on the real internal/coordinator package.
type fakeCoordinator struct {
	mu sync.Mutex

	store *userstore.Store
	auth  *authmethod.Registry
	bus   *eventbus.Bus
	seq   uint64

	listeners  map[model.ListenerFamily][]*net.TCPAddr
	bufferSize model.BufferSize
	metrics    model.Metrics

	shutdownCalled bool
}

func newFakeCoordinator(users ...model.User) *fakeCoordinator {
	return &fakeCoordinator{
		store:      userstore.New(users),
		auth:       authmethod.New(),
		bus:        eventbus.New(),
		listeners:  make(map[model.ListenerFamily][]*net.TCPAddr),
		bufferSize: model.DefaultBufferSize,
	}
}

func (f *fakeCoordinator) publish(e model.Event) {
	f.seq++
	e.Seq = f.seq
	e.Timestamp = time.Now()
	f.bus.Publish(e)
}

func (f *fakeCoordinator) ValidateCredentials(u, p string) (model.User, bool) {
	return f.store.ValidateCredentials(u, p)
}
func (f *fakeCoordinator) ListUsers() []model.User { return f.store.List() }
func (f *fakeCoordinator) AddUser(u model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.Add(u); err != nil {
		return err
	}
	f.publish(model.Event{Kind: model.EventUserAdded, User: u})
	return nil
}
func (f *fakeCoordinator) UpdateUser(username string, hasPassword bool, newPassword string, hasRole bool, newRole model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.Update(username, hasPassword, newPassword, hasRole, newRole); err != nil {
		return err
	}
	u, _ := f.store.Get(username)
	f.publish(model.Event{Kind: model.EventUserUpdated, User: u})
	return nil
}
func (f *fakeCoordinator) DeleteUser(username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.store.Get(username)
	if !ok {
		return userstore.ErrUserNotFound
	}
	if err := f.store.Delete(username); err != nil {
		return err
	}
	f.publish(model.Event{Kind: model.EventUserRemoved, User: u})
	return nil
}
func (f *fakeCoordinator) ListAuthMethods() []authmethod.MethodState { return f.auth.List() }
func (f *fakeCoordinator) SetAuthEnabled(method model.AuthMethodID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth.SetEnabled(method, enabled)
	f.publish(model.Event{Kind: model.EventAuthMethodToggled, Method: method, Enabled: enabled})
	return nil
}
func (f *fakeCoordinator) AddListener(family model.ListenerFamily, addr string) (*net.TCPAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	f.listeners[family] = append(f.listeners[family], tcpAddr)
	f.publish(model.Event{Kind: model.EventListenerAdded, Family: family, ListenAddr: tcpAddr})
	return tcpAddr, nil
}
func (f *fakeCoordinator) RemoveListener(family model.ListenerFamily, addr *net.TCPAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.listeners[family]
	for i, a := range list {
		if a.IP.Equal(addr.IP) && a.Port == addr.Port {
			f.listeners[family] = append(list[:i], list[i+1:]...)
			f.publish(model.Event{Kind: model.EventListenerRemoved, Family: family, ListenAddr: addr})
			return true
		}
	}
	return false
}
func (f *fakeCoordinator) ListListeners(family model.ListenerFamily) []*net.TCPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]*net.TCPAddr(nil), f.listeners[family]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
func (f *fakeCoordinator) BufferSize() model.BufferSize { return f.bufferSize }
func (f *fakeCoordinator) SetBufferSize(size model.BufferSize) error {
	if size == 0 {
		return errInvalidBufferSize
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufferSize = size
	f.publish(model.Event{Kind: model.EventBufferSizeChanged, BufferSize: size})
	return nil
}
func (f *fakeCoordinator) CurrentMetrics() model.Metrics { return f.metrics }
func (f *fakeCoordinator) SnapshotAndSubscribe() (model.Metrics, *eventbus.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics, f.bus.Subscribe()
}
func (f *fakeCoordinator) OpenSandstormSession(uint64, net.Addr)  {}
func (f *fakeCoordinator) CloseSandstormSession(uint64, net.Addr) {}
func (f *fakeCoordinator) RequestShutdown()                      { f.shutdownCalled = true }

var errInvalidBufferSize = &bufferSizeError{}

type bufferSizeError struct{}

func (*bufferSizeError) Error() string { return "invalid buffer size" }

// --- test harness ---

func dialSession(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ln.Close()
		h.Handle(conn, 1)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client.SetDeadline(time.Now().Add(5 * time.Second))
	return client
}

func authHeader(user, pass string) []byte {
	buf := []byte{1, byte(len(user))}
	buf = append(buf, []byte(user)...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, []byte(pass)...)
	return buf
}

func TestAuthHeaderRejectsNonAdmin(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "bob", Password: "pw", Role: model.RoleRegular})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("bob", "pw"))
	status := make([]byte, 1)
	if _, err := io.ReadFull(client, status); err != nil {
		t.Fatal(err)
	}
	if status[0] != authPermissionDenied {
		t.Fatalf("got status %d want %d", status[0], authPermissionDenied)
	}
}

func TestAuthHeaderBadCredentials(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("admin", "wrong"))
	status := make([]byte, 1)
	io.ReadFull(client, status)
	if status[0] != authBadCredentials {
		t.Fatalf("got status %d want %d", status[0], authBadCredentials)
	}
}

func TestMeowPing(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("admin", "admin"))
	status := make([]byte, 1)
	io.ReadFull(client, status)
	if status[0] != authOK {
		t.Fatalf("auth failed: %d", status[0])
	}

	client.Write([]byte{opMeow})
	resp := make([]byte, 5)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if resp[0] != opMeow || string(resp[1:]) != "MEOW" {
		t.Fatalf("got %v", resp)
	}
}

func TestAddThenListSOCKS5Socket(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("admin", "admin"))
	status := make([]byte, 1)
	io.ReadFull(client, status)

	// Add 127.0.0.1:1080 then List, pipelined in one write.
	req := []byte{opAddSOCKS5, 4, 127, 0, 0, 1, 4, 0x38}
	req = append(req, opListSOCKS5)
	client.Write(req)

	addResp := make([]byte, 2)
	io.ReadFull(client, addResp)
	if addResp[0] != opAddSOCKS5 || addResp[1] != 1 {
		t.Fatalf("add response: %v", addResp)
	}

	listHdr := make([]byte, 3)
	io.ReadFull(client, listHdr)
	if listHdr[0] != opListSOCKS5 {
		t.Fatalf("expected list response, got %v", listHdr)
	}
	count := int(listHdr[1])<<8 | int(listHdr[2])
	if count != 1 {
		t.Fatalf("expected 1 listener, got %d", count)
	}
	rest := make([]byte, 7)
	io.ReadFull(client, rest)
	if rest[0] != 4 || rest[1] != 127 || rest[6] == 0 {
		t.Fatalf("unexpected socket addr encoding: %v", rest)
	}
}

func TestCannotDeleteOnlyAdmin(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("admin", "admin"))
	status := make([]byte, 1)
	io.ReadFull(client, status)

	req := []byte{opDeleteUser, 5}
	req = append(req, []byte("admin")...)
	client.Write(req)

	resp := make([]byte, 2)
	io.ReadFull(client, resp)
	if resp[0] != opDeleteUser || resp[1] != 0x02 {
		t.Fatalf("got %v, want cannot-delete-only-admin", resp)
	}
}

func TestEventStreamSnapshotConsistency(t *testing.T) {
	coord := newFakeCoordinator(model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin})
	h := NewHandler(coord)
	client := dialSession(t, h)
	defer client.Close()

	client.Write(authHeader("admin", "admin"))
	status := make([]byte, 1)
	io.ReadFull(client, status)

	client.Write([]byte{opEventConfig, 1})
	ackHdr := make([]byte, 2)
	io.ReadFull(client, ackHdr)
	if ackHdr[0] != opEventConfig || ackHdr[1] != 0x01 {
		t.Fatalf("got %v, want enable-ack", ackHdr)
	}
	metricsBuf := make([]byte, 48)
	io.ReadFull(client, metricsBuf)

	req := []byte{opAddUser, 3}
	req = append(req, []byte("bob")...)
	req = append(req, 3)
	req = append(req, []byte("pwd")...)
	req = append(req, byte(model.RoleRegular))
	client.Write(req)

	// The add-user response and the user_added event may interleave in
	// either order on the wire (different families), so read frames
	// until both are observed.
	var gotAddAck, gotEvent bool
	var eventSeq uint64
	for i := 0; i < 2; i++ {
		mtype := make([]byte, 1)
		if _, err := io.ReadFull(client, mtype); err != nil {
			t.Fatal(err)
		}
		switch mtype[0] {
		case opAddUser:
			ok := make([]byte, 1)
			io.ReadFull(client, ok)
			if ok[0] != 0x00 {
				t.Fatalf("add user failed: %d", ok[0])
			}
			gotAddAck = true
		case opEventStream:
			// WriteEvent writes its own kind byte, then seq, then millis,
			// then the kind-specific body (username+role for user_added).
			kind := make([]byte, 1)
			io.ReadFull(client, kind)
			seq := make([]byte, 8)
			io.ReadFull(client, seq)
			eventSeq = beU64(seq)
			millis := make([]byte, 8)
			io.ReadFull(client, millis)
			uname := make([]byte, 1)
			io.ReadFull(client, uname)
			io.ReadFull(client, make([]byte, int(uname[0])))
			io.ReadFull(client, make([]byte, 1)) // role byte
			gotEvent = true
		default:
			t.Fatalf("unexpected frame type %d", mtype[0])
		}
	}
	if !gotAddAck || !gotEvent {
		t.Fatalf("expected both add-ack and event frame, got ack=%v event=%v", gotAddAck, gotEvent)
	}
	if eventSeq != 1 {
		t.Fatalf("expected event sequence 1 (first event after snapshot), got %d", eventSeq)
	}
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
