// Package socks5session implements the per-connection SOCKS5 state
// machine (spec.md §4.2): method negotiation, optional username/
// password authentication, a CONNECT request, multi-address DNS
// resolution with dial fallback, and a bidirectional relay. Only the
// CONNECT command is supported; BIND and UDP ASSOCIATE are rejected.
package socks5session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sandstormd/sandstorm/internal/model"
)

const (
	version5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	userPassVersion = 0x01

	cmdConnect = 0x01

	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x03
	addrTypeIPv6   = 0x04

	replySucceeded            = 0x00
	replyGeneralFailure       = 0x01
	replyNetworkUnreachable   = 0x03
	replyHostUnreachable      = 0x04
	replyConnectionRefused    = 0x05
	replyCmdNotSupported      = 0x07
	replyAddrTypeNotSupported = 0x08
)

// Coordinator is the subset of *coordinator.Coordinator a SOCKS5 session
// needs. Declared here (rather than importing the coordinator package
// directly into call sites) so sessions can be exercised with a fake in
// tests.
type Coordinator interface {
	AuthEnabled(method model.AuthMethodID) bool
	HasUsers() bool
	ValidateCredentials(username, password string) (model.User, bool)
	BufferSize() model.BufferSize

	OpenSOCKS5Session(sessionID uint64, clientAddr net.Addr)
	CloseSOCKS5Session(sessionID uint64, clientAddr net.Addr, bytesUp, bytesDown uint64)
	AuthenticateSOCKS5Session(sessionID uint64, username string)
	UpstreamResolved(sessionID uint64, host string)
	UpstreamConnected(sessionID uint64, addr net.Addr)
	UpstreamFailed(sessionID uint64, host string, reason string)
	RecordBytes(sent, received uint64)
}

// Resolver abstracts domain name resolution so tests can supply a fixed
// address list without touching the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Handler holds the configuration shared by every session it handles.
type Handler struct {
	Coordinator    Coordinator
	Resolver       Resolver
	DialTimeout    time.Duration
	HandshakeGrace time.Duration
}

// NewHandler builds a Handler with sensible defaults: a 30s handshake
// grace period before the deadline is cleared for relay, and a 10s
// per-address dial timeout.
func NewHandler(coord Coordinator) *Handler {
	return &Handler{
		Coordinator:    coord,
		Resolver:       net.DefaultResolver,
		DialTimeout:    10 * time.Second,
		HandshakeGrace: 30 * time.Second,
	}
}

// Handle drives one SOCKS5 connection to completion. It never returns
// an error; all failures are handled by closing conn, optionally after
// sending a SOCKS5 error reply.
func (h *Handler) Handle(conn net.Conn, sessionID uint64) {
	defer conn.Close()

	clientAddr := conn.RemoteAddr()
	h.Coordinator.OpenSOCKS5Session(sessionID, clientAddr)

	var bytesUp, bytesDown uint64
	defer func() {
		h.Coordinator.CloseSOCKS5Session(sessionID, clientAddr, bytesUp, bytesDown)
	}()

	conn.SetDeadline(time.Now().Add(h.HandshakeGrace))

	username, err := h.negotiateMethod(conn)
	if err != nil {
		return
	}
	if username != "" {
		h.Coordinator.AuthenticateSOCKS5Session(sessionID, username)
	}

	host, port, err := h.readRequest(conn)
	if err != nil {
		return
	}

	upstream, err := h.connectUpstream(conn, sessionID, host, port)
	if err != nil || upstream == nil {
		return
	}
	defer upstream.Close()

	conn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	bytesUp, bytesDown = h.relay(conn, upstream)
}

// negotiateMethod reads the greeting, selects an auth method per
// spec.md §4.2 step 1, and runs username/password auth if chosen.
// Returns the authenticated username, or "" for NoAuth.
func (h *Handler) negotiateMethod(conn net.Conn) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != version5 {
		return "", errors.New("socks5session: unsupported version in greeting")
	}

	offered := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, offered); err != nil {
		return "", err
	}

	method, ok := h.chooseMethod(offered)
	if !ok {
		conn.Write([]byte{version5, methodNoAcceptable})
		return "", errors.New("socks5session: no acceptable auth method")
	}
	conn.Write([]byte{version5, method})

	if method != methodUserPass {
		return "", nil
	}
	return h.authenticate(conn)
}

// chooseMethod implements the selection rule: prefer UserPass over
// NoAuth when both are offered, enabled, and the user store is
// non-empty; otherwise take the first offered method that is enabled.
func (h *Handler) chooseMethod(offered []byte) (byte, bool) {
	hasNoAuth := false
	hasUserPass := false
	var first byte
	firstSet := false

	for _, m := range offered {
		var acceptable bool
		switch m {
		case methodNoAuth:
			acceptable = h.Coordinator.AuthEnabled(model.AuthNoAuth)
			hasNoAuth = hasNoAuth || acceptable
		case methodUserPass:
			acceptable = h.Coordinator.AuthEnabled(model.AuthUserPass)
			hasUserPass = hasUserPass || acceptable
		default:
			continue
		}
		if acceptable && !firstSet {
			first = m
			firstSet = true
		}
	}

	if hasNoAuth && hasUserPass && h.Coordinator.HasUsers() {
		return methodUserPass, true
	}
	if !firstSet {
		return 0, false
	}
	return first, true
}

func (h *Handler) authenticate(conn net.Conn) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != userPassVersion {
		return "", errors.New("socks5session: unsupported auth subnegotiation version")
	}

	username := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return "", err
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return "", err
	}
	password := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return "", err
	}

	if _, valid := h.Coordinator.ValidateCredentials(string(username), string(password)); !valid {
		conn.Write([]byte{userPassVersion, 0x01})
		return "", errors.New("socks5session: authentication failed")
	}
	conn.Write([]byte{userPassVersion, 0x00})
	return string(username), nil
}

// readRequest reads the CONNECT request and returns the destination
// host (name or literal IP) and port.
func (h *Handler) readRequest(conn net.Conn) (string, uint16, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, err
	}
	if hdr[0] != version5 {
		return "", 0, errors.New("socks5session: unsupported version in request")
	}
	if hdr[1] != cmdConnect {
		h.sendReply(conn, replyCmdNotSupported, nil)
		return "", 0, errors.New("socks5session: unsupported command")
	}

	var host string
	switch hdr[3] {
	case addrTypeIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = net.IP(b).String()
	case addrTypeIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = net.IP(b).String()
	case addrTypeDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return "", 0, err
		}
		b := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = string(b)
	default:
		h.sendReply(conn, replyAddrTypeNotSupported, nil)
		return "", 0, errors.New("socks5session: unsupported address type")
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portBuf), nil
}

// connectUpstream resolves host (if it's a domain) into an ordered
// address list, dials each candidate in order, and sends the SOCKS5
// reply. On total failure it sends the most specific error reply and
// returns a nil conn.
func (h *Handler) connectUpstream(conn net.Conn, sessionID uint64, host string, port uint16) (net.Conn, error) {
	var candidates []net.IP
	if ip := net.ParseIP(host); ip != nil {
		candidates = []net.IP{ip}
	} else {
		addrs, err := h.Resolver.LookupIPAddr(context.Background(), host)
		if err != nil || len(addrs) == 0 {
			h.Coordinator.UpstreamFailed(sessionID, host, "resolve failed")
			h.sendReply(conn, replyHostUnreachable, nil)
			return nil, errors.New("socks5session: resolve failed")
		}
		h.Coordinator.UpstreamResolved(sessionID, host)
		for _, a := range addrs {
			candidates = append(candidates, a.IP)
		}
	}

	var lastErr error
	for _, ip := range candidates {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		upstream, err := net.DialTimeout("tcp", addr, h.DialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		h.Coordinator.UpstreamConnected(sessionID, upstream.RemoteAddr())
		localAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
		h.sendReply(conn, replySucceeded, localAddr)
		return upstream, nil
	}

	h.Coordinator.UpstreamFailed(sessionID, host, errString(lastErr))
	h.sendReply(conn, classifyDialError(lastErr), nil)
	return nil, errors.New("socks5session: all dial attempts failed")
}

func errString(err error) string {
	if err == nil {
		return "no addresses"
	}
	return err.Error()
}

// classifyDialError maps a dial failure onto the most specific SOCKS5
// reply byte, falling back to general failure.
func classifyDialError(err error) byte {
	if err == nil {
		return replyGeneralFailure
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return replyConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return replyHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return replyNetworkUnreachable
	default:
		return replyGeneralFailure
	}
}

// sendReply writes the SOCKS5 reply frame, reflecting addr's actual
// family (spec.md §4.2 step 7: BND.ADDR is the upstream socket's local
// bound address) the same way internal/wire's socket address codec
// distinguishes IPv4 from IPv6 addresses.
func (h *Handler) sendReply(conn net.Conn, reply byte, addr *net.TCPAddr) {
	atyp := byte(addrTypeIPv4)
	ip := net.IPv4zero.To4()
	port := uint16(0)

	if addr != nil {
		if ip4 := addr.IP.To4(); ip4 != nil {
			atyp = addrTypeIPv4
			ip = ip4
		} else if ip16 := addr.IP.To16(); ip16 != nil {
			atyp = addrTypeIPv6
			ip = ip16
		}
		port = uint16(addr.Port)
	}

	resp := make([]byte, 4+len(ip)+2)
	resp[0] = version5
	resp[1] = reply
	resp[3] = atyp
	copy(resp[4:4+len(ip)], ip)
	binary.BigEndian.PutUint16(resp[4+len(ip):], port)
	conn.Write(resp)
}

// relay copies bytes bidirectionally using the buffer size configured
// at session start and returns the final up/down byte counts. Each
// direction reports its total to the coordinator once its copy ends; the
// byte counters do not advance while a direction is still copying. Each
// direction half-closes its peer's write side on EOF; the session ends
// once both are done.
func (h *Handler) relay(client, upstream net.Conn) (up uint64, down uint64) {
	bufSize := h.Coordinator.BufferSize()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n := copyDirection(upstream, client, bufSize)
		up = n
		h.Coordinator.RecordBytes(n, 0)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		n := copyDirection(client, upstream, bufSize)
		down = n
		h.Coordinator.RecordBytes(0, n)
		closeWrite(client)
	}()

	wg.Wait()
	return up, down
}

func copyDirection(dst, src net.Conn, bufSize uint32) uint64 {
	buf := make([]byte, bufSize)
	n, _ := io.CopyBuffer(dst, src, buf)
	return uint64(n)
}

type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}
