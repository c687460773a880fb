// Package sandstorm implements the management/telemetry protocol
// session (spec.md §4.3): an auth header phase followed by a
// monitoring-mode request/response loop multiplexed with an optional
// event stream, with per-family pipelined ordering of requests.
package sandstorm

import (
	"bytes"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sandstormd/sandstorm/internal/authmethod"
	"github.com/sandstormd/sandstorm/internal/eventbus"
	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/sandstormd/sandstorm/internal/wire"
)

const authHeaderVersion = 1

// Auth header status bytes (spec.md §4.3 phase 1).
const (
	authOK               = 0x00
	authUnsupportedVer   = 0x01
	authBadCredentials   = 0x02
	authPermissionDenied = 0x03
)

// Coordinator is the subset of *coordinator.Coordinator a Sandstorm
// session needs. Declared locally so sessions can be driven by a fake
// in tests without importing the coordinator package.
type Coordinator interface {
	ValidateCredentials(username, password string) (model.User, bool)

	ListUsers() []model.User
	AddUser(u model.User) error
	UpdateUser(username string, hasPassword bool, newPassword string, hasRole bool, newRole model.Role) error
	DeleteUser(username string) error

	ListAuthMethods() []authmethod.MethodState
	SetAuthEnabled(method model.AuthMethodID, enabled bool) error

	AddListener(family model.ListenerFamily, addr string) (*net.TCPAddr, error)
	RemoveListener(family model.ListenerFamily, addr *net.TCPAddr) bool
	ListListeners(family model.ListenerFamily) []*net.TCPAddr

	BufferSize() model.BufferSize
	SetBufferSize(size model.BufferSize) error

	CurrentMetrics() model.Metrics
	SnapshotAndSubscribe() (model.Metrics, *eventbus.Subscription)

	OpenSandstormSession(sessionID uint64, clientAddr net.Addr)
	CloseSandstormSession(sessionID uint64, clientAddr net.Addr)

	RequestShutdown()
}

const queueDepth = 64

// Handler holds configuration shared across Sandstorm sessions.
type Handler struct {
	Coordinator Coordinator

	// DisableEventStream corresponds to the --disable-events flag. It
	// only suppresses the wire event stream (opcode 0x01/0x02): an
	// enable request always comes back "now disabled" rather than
	// subscribing. Server-side console logging is unaffected by this
	// flag and keeps running regardless (internal/consolelog).
	DisableEventStream bool
}

func NewHandler(coord Coordinator) *Handler {
	return &Handler{Coordinator: coord}
}

// session is the per-connection state. Exactly one reader goroutine
// parses the request stream and fans requests out into per-family
// queues; one worker goroutine per family executes its queue in order;
// every response and every event frame is written through writeFrame,
// which serializes full-frame writes so no partial frame interleaves
// with another (spec.md §4.3 "pipelining write discipline").
type session struct {
	conn   net.Conn
	reader *wire.Reader
	coord  Coordinator

	sessionID  uint64
	clientAddr net.Addr

	eventStreamDisabled bool

	writeMu sync.Mutex

	queues map[requestFamily]chan job
	wg     errgroup.Group

	// streamWG tracks only the event-forwarding goroutine, separately
	// from wg (the family workers): it must outlive the family workers
	// since a request processed right before the queues drain can still
	// enable the stream, and it must be waited on only after
	// stopEventStream has had the final say on streamEnabled.
	streamWG      errgroup.Group
	streamMu      sync.Mutex
	streamEnabled bool
	streamSub     *eventbus.Subscription
	streamStop    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	req request
}

// Handle drives one Sandstorm connection through the auth header and,
// on success, the monitoring-mode request loop.
func (h *Handler) Handle(conn net.Conn, sessionID uint64) {
	defer conn.Close()

	s := &session{
		conn:                conn,
		reader:              wire.NewReader(conn),
		coord:               h.Coordinator,
		sessionID:           sessionID,
		clientAddr:          conn.RemoteAddr(),
		eventStreamDisabled: h.DisableEventStream,
		closed:              make(chan struct{}),
	}

	if !s.runAuthHeader() {
		return
	}

	s.coord.OpenSandstormSession(s.sessionID, s.clientAddr)
	defer s.coord.CloseSandstormSession(s.sessionID, s.clientAddr)

	s.queues = map[requestFamily]chan job{
		famSOCKS5: make(chan job, queueDepth),
		famSand:   make(chan job, queueDepth),
		famUser:   make(chan job, queueDepth),
		famAuth:   make(chan job, queueDepth),
		famBuf:    make(chan job, queueDepth),
		famFree:   make(chan job, queueDepth),
	}
	for fam, q := range s.queues {
		s.wg.Go(func() error {
			s.runFamilyWorker(fam, q)
			return nil
		})
	}

	s.readLoop()

	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()

	// Only after every family worker has finished (so a last-moment
	// enable request has already taken effect) do we know the final
	// streamEnabled state, and can safely stop it.
	s.stopEventStream()
	s.streamWG.Wait()
}

// runAuthHeader reads and answers the fixed auth header frame. Returns
// true if the session may proceed into monitoring mode.
func (s *session) runAuthHeader() bool {
	ver, err := s.reader.ReadU8()
	if err != nil {
		return false
	}
	username, err := s.reader.ReadString(false)
	if err != nil {
		return false
	}
	password, err := s.reader.ReadString(false)
	if err != nil {
		return false
	}

	if ver != authHeaderVersion {
		s.writeAuthStatus(authUnsupportedVer)
		return false
	}
	if username == "" || password == "" {
		s.writeAuthStatus(authBadCredentials)
		return false
	}

	user, ok := s.coord.ValidateCredentials(username, password)
	if !ok {
		s.writeAuthStatus(authBadCredentials)
		return false
	}
	if user.Role != model.RoleAdmin {
		s.writeAuthStatus(authPermissionDenied)
		return false
	}

	s.writeAuthStatus(authOK)
	return true
}

func (s *session) writeAuthStatus(status byte) {
	s.conn.Write([]byte{status})
}

// readLoop parses ATYPE|APAYLOAD requests off the wire and enqueues
// them onto the appropriate family's channel until EOF or a malformed
// frame closes the session.
func (s *session) readLoop() {
	for {
		atype, err := s.reader.ReadU8()
		if err != nil {
			return
		}
		req, err := s.parseRequest(atype)
		if err != nil {
			return
		}
		fam := familyOf(atype)
		select {
		case s.queues[fam] <- job{req: req}:
		case <-s.closed:
			return
		}
	}
}

func (s *session) runFamilyWorker(fam requestFamily, q chan job) {
	for j := range q {
		resp := s.execute(j.req)
		if resp != nil {
			s.writeFrame(resp)
		}
	}
}

// writeFrame writes a fully-encoded frame atomically with respect to
// every other frame (response or event) written on this connection.
func (s *session) writeFrame(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.Write(frame)
}

func buildFrame(mtype byte, encode func(*wire.Writer) error) []byte {
	var buf bytes.Buffer
	buf.WriteByte(mtype)
	w := wire.NewWriter(&buf)
	if encode != nil {
		if err := encode(w); err != nil {
			return nil
		}
	}
	w.Flush()
	return buf.Bytes()
}

func (s *session) stopEventStream() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamEnabled {
		s.streamSub.Unsubscribe()
		close(s.streamStop)
		s.streamEnabled = false
	}
}
