// Package coordinator is the single serializing owner of all shared
// mutable state (spec.md §4.1, §5): the user store, the auth-method
// registry, the listener set, the buffer size and the metrics. Every
// mutation is paired with exactly one published Event inside the same
// critical section, which is the atomicity guarantee the Sandstorm
// event stream depends on: no subscriber can ever observe an event
// whose effect is not yet visible to a subsequent request.
package coordinator

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandstormd/sandstorm/internal/authmethod"
	"github.com/sandstormd/sandstorm/internal/eventbus"
	"github.com/sandstormd/sandstorm/internal/listenerset"
	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/sandstormd/sandstorm/internal/userstore"
)

// SessionHandler is invoked once per accepted connection, after the
// coordinator has recorded the session and assigned it an ID.
type SessionHandler func(conn net.Conn, family model.ListenerFamily, sessionID uint64)

// Coordinator composes every piece of shared state behind one mutex
// (mu) for writes, while individual components keep their own RWMutex
// for the read-heavy paths (credential checks, enabled-method lookups)
// that don't need to be serialized with mutations.
type Coordinator struct {
	mu  sync.Mutex
	seq uint64

	users   *userstore.Store
	auth    *authmethod.Registry
	bus     *eventbus.Bus
	metrics atomicMetrics
	sink    MetricsSink

	bufferSize atomic.Uint32
	nextSessID atomic.Uint64

	listeners *listenerset.Set
	onSession SessionHandler

	persist func([]model.User) error

	byteTicker *time.Ticker
	tickerDone chan struct{}

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// Option configures optional collaborators at construction time.
type Option func(*Coordinator)

// WithMetricsSink mirrors every metrics update into sink (the
// Prometheus exporter, typically).
func WithMetricsSink(sink MetricsSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithPersist registers a callback invoked with the full user list
// whenever the server shuts down, so it can be written back to the
// user file (spec.md §6.1, §4.7 step 5). A nil persist is legal: the
// user list is then not written anywhere on shutdown.
func WithPersist(persist func([]model.User) error) Option {
	return func(c *Coordinator) { c.persist = persist }
}

// New builds a Coordinator seeded with initialUsers and wires it to
// onSession for dispatching accepted connections. The bytes-transferred
// snapshot event is published every tickInterval; spec.md leaves the
// exact cadence to the implementation.
func New(initialUsers []model.User, onSession SessionHandler, tickInterval time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		users:      userstore.New(initialUsers),
		auth:       authmethod.New(),
		bus:        eventbus.New(),
		onSession:    onSession,
		sink:         noopSink{},
		tickerDone:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	c.bufferSize.Store(model.DefaultBufferSize)
	c.listeners = listenerset.New(c.dispatch)

	for _, opt := range opts {
		opt(c)
	}

	if tickInterval > 0 {
		c.byteTicker = time.NewTicker(tickInterval)
		go c.runByteTicker()
	}

	return c
}

func (c *Coordinator) dispatch(conn net.Conn, family model.ListenerFamily) {
	id := c.nextSessID.Add(1)
	c.onSession(conn, family, id)
}

// nextSeqLocked assigns the next sequence number. Callers must hold mu.
func (c *Coordinator) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// publishLocked stamps e with a sequence number and timestamp and fans
// it out. Callers must hold mu and must have already applied the
// mutation e describes.
func (c *Coordinator) publishLocked(e model.Event) {
	e.Seq = c.nextSeqLocked()
	e.Timestamp = time.Now()
	c.bus.Publish(e)
}

// Bus exposes the event bus for subscription by Sandstorm sessions.
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

// ---- Users -----------------------------------------------------------

func (c *Coordinator) ListUsers() []model.User { return c.users.List() }

func (c *Coordinator) GetUser(username string) (model.User, bool) { return c.users.Get(username) }

// HasUsers reports whether the user store is non-empty, used by the
// SOCKS5 greeting's method-selection preference rule (spec.md §4.2 step 1).
func (c *Coordinator) HasUsers() bool { return c.users.Count() > 0 }

func (c *Coordinator) ValidateCredentials(username, password string) (model.User, bool) {
	return c.users.ValidateCredentials(username, password)
}

func (c *Coordinator) AddUser(u model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.users.Add(u); err != nil {
		return err
	}
	c.publishLocked(model.Event{Kind: model.EventUserAdded, User: u})
	return nil
}

func (c *Coordinator) UpdateUser(username string, hasPassword bool, newPassword string, hasRole bool, newRole model.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.users.Update(username, hasPassword, newPassword, hasRole, newRole); err != nil {
		return err
	}
	u, _ := c.users.Get(username)
	c.publishLocked(model.Event{Kind: model.EventUserUpdated, User: u})
	return nil
}

func (c *Coordinator) DeleteUser(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users.Get(username)
	if !ok {
		return userstore.ErrUserNotFound
	}
	if err := c.users.Delete(username); err != nil {
		return err
	}
	c.publishLocked(model.Event{Kind: model.EventUserRemoved, User: u})
	return nil
}

// ---- Auth methods ------------------------------------------------------

func (c *Coordinator) AuthEnabled(method model.AuthMethodID) bool { return c.auth.Enabled(method) }

func (c *Coordinator) ListAuthMethods() []authmethod.MethodState { return c.auth.List() }

func (c *Coordinator) SetAuthEnabled(method model.AuthMethodID, enabled bool) error {
	if !method.Valid() {
		return fmt.Errorf("coordinator: invalid auth method %v", method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.SetEnabled(method, enabled)
	c.publishLocked(model.Event{Kind: model.EventAuthMethodToggled, Method: method, Enabled: enabled})
	return nil
}

// ---- Listeners -----------------------------------------------------------

func (c *Coordinator) AddListener(family model.ListenerFamily, addr string) (*net.TCPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tcpAddr, err := c.listeners.Add(family, addr)
	if err != nil {
		return nil, err
	}
	c.publishLocked(model.Event{Kind: model.EventListenerAdded, Family: family, ListenAddr: tcpAddr})
	return tcpAddr, nil
}

func (c *Coordinator) RemoveListener(family model.ListenerFamily, addr *net.TCPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listeners.Remove(family, addr) {
		return false
	}
	c.publishLocked(model.Event{Kind: model.EventListenerRemoved, Family: family, ListenAddr: addr})
	return true
}

func (c *Coordinator) ListListeners(family model.ListenerFamily) []*net.TCPAddr {
	return c.listeners.List(family)
}

// ---- Buffer size -----------------------------------------------------------

func (c *Coordinator) BufferSize() model.BufferSize { return c.bufferSize.Load() }

func (c *Coordinator) SetBufferSize(size model.BufferSize) error {
	if size == 0 {
		return fmt.Errorf("coordinator: buffer size must be nonzero")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufferSize.Store(size)
	c.publishLocked(model.Event{Kind: model.EventBufferSizeChanged, BufferSize: size})
	return nil
}

// ---- Metrics -----------------------------------------------------------

// CurrentMetrics returns a consistent snapshot of all six counters.
func (c *Coordinator) CurrentMetrics() model.Metrics { return c.metrics.snapshot() }

// SnapshotAndSubscribe atomically takes a metrics snapshot and
// subscribes to the bus, so that no event can be published between the
// two (spec.md §4.5: enabling the event stream must not drop or
// double-count events relative to the metrics snapshot handed back in
// the acknowledgement).
func (c *Coordinator) SnapshotAndSubscribe() (model.Metrics, *eventbus.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.snapshot(), c.bus.Subscribe()
}

// RecordBytes is the hot path called from relay copy loops; it never
// takes the coordinator mutex. No event is published per call — the
// periodic ticker covers the "bytes transferred" event.
func (c *Coordinator) RecordBytes(sent, received uint64) {
	if sent > 0 {
		c.metrics.bytesSent.Add(sent)
		c.sink.AddBytesSent(sent)
	}
	if received > 0 {
		c.metrics.bytesReceived.Add(received)
		c.sink.AddBytesReceived(received)
	}
}

func (c *Coordinator) runByteTicker() {
	for {
		select {
		case <-c.byteTicker.C:
			c.mu.Lock()
			c.publishLocked(model.Event{Kind: model.EventBytesTransferred, Snapshot: c.metrics.snapshot()})
			c.mu.Unlock()
		case <-c.tickerDone:
			return
		}
	}
}

// ---- Sessions -----------------------------------------------------------

// OpenSOCKS5Session records a new client session under the caller's
// sessionID and emits EventSessionOpened. The same ID is later passed to
// CloseSOCKS5Session.
func (c *Coordinator) OpenSOCKS5Session(sessionID uint64, clientAddr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.metrics.currentClients.Add(1)
	c.metrics.historicClients.Add(1)
	c.sink.SetCurrentClients(n)
	c.sink.IncHistoricClients()
	c.publishLocked(model.Event{Kind: model.EventSessionOpened, SessionID: sessionID, ClientAddr: clientAddr})
}

// CloseSOCKS5Session decrements current_clients and emits EventSessionClosed
// with the final byte counts for this session.
func (c *Coordinator) CloseSOCKS5Session(sessionID uint64, clientAddr net.Addr, bytesUp, bytesDown uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.metrics.currentClients.Add(^uint64(0))
	c.sink.SetCurrentClients(n)
	c.publishLocked(model.Event{Kind: model.EventSessionClosed, SessionID: sessionID, ClientAddr: clientAddr, BytesUp: bytesUp, BytesDown: bytesDown})
}

// AuthenticateSOCKS5Session emits EventSessionAuthenticated once a
// username/password exchange has succeeded. No-auth sessions never call this.
func (c *Coordinator) AuthenticateSOCKS5Session(sessionID uint64, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(model.Event{Kind: model.EventSessionAuthenticated, SessionID: sessionID, Username: username})
}

// UpstreamResolved/Connected/Failed record the outcome of a SOCKS5
// CONNECT's DNS and dial phases.
func (c *Coordinator) UpstreamResolved(sessionID uint64, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(model.Event{Kind: model.EventUpstreamResolved, SessionID: sessionID, Host: host})
}

func (c *Coordinator) UpstreamConnected(sessionID uint64, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(model.Event{Kind: model.EventUpstreamConnected, SessionID: sessionID, Addr: addr})
}

func (c *Coordinator) UpstreamFailed(sessionID uint64, host string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(model.Event{Kind: model.EventUpstreamFailed, SessionID: sessionID, Host: host, FailedMsg: reason})
}

// OpenSandstormSession/CloseSandstormSession track the current_managers
// gauge the same way SOCKS5 sessions track current_clients.
func (c *Coordinator) OpenSandstormSession(sessionID uint64, clientAddr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.metrics.currentManagers.Add(1)
	c.metrics.historicManagers.Add(1)
	c.sink.SetCurrentManagers(n)
	c.sink.IncHistoricManagers()
	c.publishLocked(model.Event{Kind: model.EventSessionOpened, SessionID: sessionID, ClientAddr: clientAddr})
}

func (c *Coordinator) CloseSandstormSession(sessionID uint64, clientAddr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.metrics.currentManagers.Add(^uint64(0))
	c.sink.SetCurrentManagers(n)
	c.publishLocked(model.Event{Kind: model.EventSessionClosed, SessionID: sessionID, ClientAddr: clientAddr})
}

// ---- Shutdown -----------------------------------------------------------

// Shutdown performs the ordered shutdown sequence from spec.md §4.7:
// publish the shutdown event, stop accepting new connections, persist
// the user store, and stop the background ticker. It does not wait for
// in-flight sessions to drain, and neither does cmd/sandstormd: the
// process exits as soon as Done is closed, ending any relays still open.
func (c *Coordinator) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.publishLocked(model.Event{Kind: model.EventShutdownRequested})
		c.mu.Unlock()

		c.listeners.CloseAll()

		if c.byteTicker != nil {
			c.byteTicker.Stop()
			close(c.tickerDone)
		}

		if c.persist != nil {
			if perr := c.persist(c.users.List()); perr != nil {
				err = fmt.Errorf("coordinator: persist users: %w", perr)
			}
		}
		close(c.shutdownDone)
	})
	return err
}

// RequestShutdown triggers Shutdown asynchronously. Used by a Sandstorm
// session handling the Shutdown admin command (spec.md §6.2 0x00), which
// must not block waiting for its own listener's accept loop to stop.
func (c *Coordinator) RequestShutdown() {
	go c.Shutdown()
}

// Done returns a channel closed once Shutdown has fully run, for
// cmd/sandstormd to wait on before exiting the process.
func (c *Coordinator) Done() <-chan struct{} { return c.shutdownDone }
