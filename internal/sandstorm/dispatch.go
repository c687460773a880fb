package sandstorm

import (
	"net"

	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/sandstormd/sandstorm/internal/userstore"
	"github.com/sandstormd/sandstorm/internal/wire"
)

// Message type codes (spec.md §6.2).
const (
	opShutdown       = 0x00
	opEventConfig    = 0x01
	opEventStream    = 0x02
	opListSOCKS5     = 0x03
	opAddSOCKS5      = 0x04
	opRemoveSOCKS5   = 0x05
	opListSandstorm  = 0x06
	opAddSandstorm   = 0x07
	opRemoveSandstorm = 0x08
	opListUsers      = 0x09
	opAddUser        = 0x0A
	opUpdateUser     = 0x0B
	opDeleteUser     = 0x0C
	opListAuth       = 0x0D
	opToggleAuth     = 0x0E
	opCurrentMetrics = 0x0F
	opGetBuffer      = 0x10
	opSetBuffer      = 0x11
	opMeow           = 0xFF
)

type requestFamily int

const (
	famSOCKS5 requestFamily = iota
	famSand
	famUser
	famAuth
	famBuf
	famFree
)

func familyOf(atype byte) requestFamily {
	switch atype {
	case opListSOCKS5, opAddSOCKS5, opRemoveSOCKS5:
		return famSOCKS5
	case opListSandstorm, opAddSandstorm, opRemoveSandstorm:
		return famSand
	case opListUsers, opAddUser, opUpdateUser, opDeleteUser:
		return famUser
	case opListAuth, opToggleAuth:
		return famAuth
	case opGetBuffer, opSetBuffer:
		return famBuf
	default:
		return famFree
	}
}

// request is a decoded APAYLOAD, tagged by atype. Exactly one field
// group is populated depending on atype.
type request struct {
	atype byte

	addr *net.TCPAddr

	username   string
	password   string
	role       model.Role
	hasPass    bool
	newPass    string
	hasRole    bool
	newRole    model.Role

	method  model.AuthMethodID
	enabled bool

	bufferSize model.BufferSize

	streamEnable bool
}

// parseRequest decodes the payload for atype from the session's reader.
func (s *session) parseRequest(atype byte) (request, error) {
	req := request{atype: atype}

	switch atype {
	case opShutdown, opListSOCKS5, opListSandstorm, opListUsers, opListAuth, opCurrentMetrics, opGetBuffer, opMeow:
		// No payload.

	case opEventConfig:
		en, err := s.reader.ReadU8()
		if err != nil {
			return request{}, err
		}
		req.streamEnable = en != 0

	case opAddSOCKS5, opAddSandstorm, opRemoveSOCKS5, opRemoveSandstorm:
		addr, err := s.reader.ReadSocketAddr()
		if err != nil {
			return request{}, err
		}
		req.addr = addr

	case opAddUser:
		user, err := s.reader.ReadString(true)
		if err != nil {
			return request{}, err
		}
		pass, err := s.reader.ReadString(true)
		if err != nil {
			return request{}, err
		}
		role, err := s.reader.ReadUserRole()
		if err != nil {
			return request{}, err
		}
		req.username, req.password, req.role = user, pass, role

	case opUpdateUser:
		user, err := s.reader.ReadString(true)
		if err != nil {
			return request{}, err
		}
		req.username = user

		hasPass, err := s.reader.ReadU8()
		if err != nil {
			return request{}, err
		}
		req.hasPass = hasPass != 0
		if req.hasPass {
			pass, err := s.reader.ReadString(false)
			if err != nil {
				return request{}, err
			}
			req.newPass = pass
		}

		hasRole, err := s.reader.ReadU8()
		if err != nil {
			return request{}, err
		}
		req.hasRole = hasRole != 0
		if req.hasRole {
			role, err := s.reader.ReadUserRole()
			if err != nil {
				return request{}, err
			}
			req.newRole = role
		}

	case opDeleteUser:
		user, err := s.reader.ReadString(true)
		if err != nil {
			return request{}, err
		}
		req.username = user

	case opToggleAuth:
		method, err := s.reader.ReadAuthMethod()
		if err != nil {
			return request{}, err
		}
		en, err := s.reader.ReadU8()
		if err != nil {
			return request{}, err
		}
		req.method, req.enabled = method, en != 0

	case opSetBuffer:
		size, err := s.reader.ReadU32()
		if err != nil {
			return request{}, err
		}
		req.bufferSize = size

	default:
		// Unknown atype: treated as malformed, closes the session.
		return request{}, wire.ErrMalformedFrame
	}

	return req, nil
}

// execute runs req against the coordinator and returns the fully
// encoded response frame, or nil if nothing should be written (the
// Shutdown command never replies).
func (s *session) execute(req request) []byte {
	switch req.atype {
	case opShutdown:
		s.coord.RequestShutdown()
		return nil

	case opEventConfig:
		return s.handleEventConfig(req.streamEnable)

	case opListSOCKS5:
		return s.handleListSockets(opListSOCKS5, model.FamilySOCKS5)
	case opListSandstorm:
		return s.handleListSockets(opListSandstorm, model.FamilySandstorm)
	case opAddSOCKS5:
		return s.handleAddSocket(opAddSOCKS5, model.FamilySOCKS5, req.addr)
	case opAddSandstorm:
		return s.handleAddSocket(opAddSandstorm, model.FamilySandstorm, req.addr)
	case opRemoveSOCKS5:
		return s.handleRemoveSocket(opRemoveSOCKS5, model.FamilySOCKS5, req.addr)
	case opRemoveSandstorm:
		return s.handleRemoveSocket(opRemoveSandstorm, model.FamilySandstorm, req.addr)

	case opListUsers:
		return s.handleListUsers()
	case opAddUser:
		return s.handleAddUser(req)
	case opUpdateUser:
		return s.handleUpdateUser(req)
	case opDeleteUser:
		return s.handleDeleteUser(req)

	case opListAuth:
		return s.handleListAuth()
	case opToggleAuth:
		return s.handleToggleAuth(req)

	case opCurrentMetrics:
		return buildFrame(opCurrentMetrics, func(w *wire.Writer) error {
			if err := w.WriteU8(1); err != nil {
				return err
			}
			return w.WriteMetrics(s.coord.CurrentMetrics())
		})

	case opGetBuffer:
		return buildFrame(opGetBuffer, func(w *wire.Writer) error {
			return w.WriteU32(s.coord.BufferSize())
		})
	case opSetBuffer:
		return s.handleSetBuffer(req.bufferSize)

	case opMeow:
		return buildFrame(opMeow, func(w *wire.Writer) error {
			return w.WriteRaw([]byte("MEOW"))
		})
	}
	return nil
}

func (s *session) handleListSockets(mtype byte, family model.ListenerFamily) []byte {
	addrs := s.coord.ListListeners(family)
	return buildFrame(mtype, func(w *wire.Writer) error {
		if err := w.WriteU16(uint16(len(addrs))); err != nil {
			return err
		}
		for _, a := range addrs {
			if err := w.WriteSocketAddr(a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) handleAddSocket(mtype byte, family model.ListenerFamily, addr *net.TCPAddr) []byte {
	_, err := s.coord.AddListener(family, addr.String())
	return buildFrame(mtype, func(w *wire.Writer) error {
		if err != nil {
			if werr := w.WriteU8(0); werr != nil {
				return werr
			}
			return w.WriteIoError(model.ClassifyIoError(err))
		}
		return w.WriteU8(1)
	})
}

func (s *session) handleRemoveSocket(mtype byte, family model.ListenerFamily, addr *net.TCPAddr) []byte {
	ok := s.coord.RemoveListener(family, addr)
	return buildFrame(mtype, func(w *wire.Writer) error {
		if ok {
			return w.WriteU8(0x00)
		}
		return w.WriteU8(0x01)
	})
}

func (s *session) handleListUsers() []byte {
	users := s.coord.ListUsers()
	return buildFrame(opListUsers, func(w *wire.Writer) error {
		if err := w.WriteU16(uint16(len(users))); err != nil {
			return err
		}
		for _, u := range users {
			if err := w.WriteString(u.Username); err != nil {
				return err
			}
			if err := w.WriteUserRole(u.Role); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) handleAddUser(req request) []byte {
	err := s.coord.AddUser(model.User{Username: req.username, Password: req.password, Role: req.role})
	status := byte(0x00)
	switch {
	case err == nil:
		status = 0x00
	case err == userstore.ErrUserExists:
		status = 0x01
	default:
		status = 0x02
	}
	return buildFrame(opAddUser, func(w *wire.Writer) error { return w.WriteU8(status) })
}

func (s *session) handleUpdateUser(req request) []byte {
	err := s.coord.UpdateUser(req.username, req.hasPass, req.newPass, req.hasRole, req.newRole)
	var status byte
	switch err {
	case nil:
		status = 0x00
	case userstore.ErrUserNotFound:
		status = 0x01
	case userstore.ErrLastAdmin:
		status = 0x02
	case userstore.ErrNothingRequested:
		status = 0x03
	default:
		// ErrInvalidUser (e.g. zero-length password): not separately
		// enumerated on the wire, closest in meaning to "cannot apply".
		status = 0x03
	}
	return buildFrame(opUpdateUser, func(w *wire.Writer) error { return w.WriteU8(status) })
}

func (s *session) handleDeleteUser(req request) []byte {
	err := s.coord.DeleteUser(req.username)
	var status byte
	switch err {
	case nil:
		status = 0x00
	case userstore.ErrUserNotFound:
		status = 0x01
	case userstore.ErrLastAdmin:
		status = 0x02
	default:
		status = 0x01
	}
	return buildFrame(opDeleteUser, func(w *wire.Writer) error { return w.WriteU8(status) })
}

func (s *session) handleListAuth() []byte {
	methods := s.coord.ListAuthMethods()
	return buildFrame(opListAuth, func(w *wire.Writer) error {
		if err := w.WriteU8(uint8(len(methods))); err != nil {
			return err
		}
		for _, m := range methods {
			if err := w.WriteAuthMethod(m.Method); err != nil {
				return err
			}
			en := byte(0)
			if m.Enabled {
				en = 1
			}
			if err := w.WriteU8(en); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) handleToggleAuth(req request) []byte {
	_ = s.coord.SetAuthEnabled(req.method, req.enabled)
	return buildFrame(opToggleAuth, func(w *wire.Writer) error { return w.WriteU8(1) })
}

func (s *session) handleSetBuffer(size model.BufferSize) []byte {
	err := s.coord.SetBufferSize(size)
	status := byte(1)
	if err != nil {
		status = 0
	}
	return buildFrame(opSetBuffer, func(w *wire.Writer) error { return w.WriteU8(status) })
}
