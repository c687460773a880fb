// Package userstore holds the in-memory username → User map (spec.md
// §3). It enforces the "at least one Admin always exists" invariant and
// username uniqueness. The Store type does not touch disk or the event
// bus (file.go in this package holds the user-file codec and its
// load/save helpers); the coordinator owns pairing mutations with
// persistence and events.
package userstore

import (
	"errors"
	"sort"
	"sync"

	"github.com/sandstormd/sandstorm/internal/model"
)

var (
	ErrUserExists       = errors.New("userstore: user already exists")
	ErrUserNotFound     = errors.New("userstore: user not found")
	ErrLastAdmin        = errors.New("userstore: cannot remove or demote the only admin")
	ErrInvalidUser      = errors.New("userstore: invalid username or password")
	ErrNothingRequested = errors.New("userstore: update requested no change")
)

// Store is the username → User map. Safe for concurrent use; the
// coordinator still serializes writes so it can pair each one with a
// sequence number and an event, but reads (credential checks from
// in-flight SOCKS5 sessions) go straight through the RWMutex.
type Store struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

// New builds a store from an initial user list (as loaded from the user
// file, or the bootstrap default admin). Duplicate usernames keep the
// last occurrence, matching a simple last-write-wins file load.
func New(initial []model.User) *Store {
	s := &Store{users: make(map[string]*model.User, len(initial))}
	for _, u := range initial {
		cp := u
		s.users[u.Username] = &cp
	}
	return s
}

func validUser(username, password string) bool {
	return len(username) >= 1 && len(username) <= 255 &&
		len(password) >= 1 && len(password) <= 255
}

// Add inserts a new user. Fails if the username already exists or the
// fields are out of range.
func (s *Store) Add(u model.User) error {
	if !validUser(u.Username, u.Password) || !u.Role.Valid() {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return ErrUserExists
	}
	cp := u
	s.users[u.Username] = &cp
	return nil
}

// Update changes password and/or role for an existing user. At least one
// of newPassword/newRole must be set (hasPassword/hasRole) or
// ErrNothingRequested is returned. Demoting or otherwise leaving zero
// Admins is rejected with ErrLastAdmin.
func (s *Store) Update(username string, hasPassword bool, newPassword string, hasRole bool, newRole model.Role) error {
	if !hasPassword && !hasRole {
		return ErrNothingRequested
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if hasPassword && (len(newPassword) < 1 || len(newPassword) > 255) {
		return ErrInvalidUser
	}
	if hasRole && !newRole.Valid() {
		return ErrInvalidUser
	}
	if hasRole && u.Role == model.RoleAdmin && newRole != model.RoleAdmin {
		if s.countAdminsLocked() <= 1 {
			return ErrLastAdmin
		}
	}

	if hasPassword {
		u.Password = newPassword
	}
	if hasRole {
		u.Role = newRole
	}
	return nil
}

// Delete removes a user. Fails if not found, or if removing it would
// leave zero Admins.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if u.Role == model.RoleAdmin && s.countAdminsLocked() <= 1 {
		return ErrLastAdmin
	}
	delete(s.users, username)
	return nil
}

// Get returns a copy of the named user, or false if not found.
func (s *Store) Get(username string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// ValidateCredentials checks username/password against the store.
// Plain comparison; credentials are not hashed in this store.
func (s *Store) ValidateCredentials(username, password string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok || u.Password != password {
		return model.User{}, false
	}
	return *u, true
}

// List returns all users sorted by username for stable wire output.
func (s *Store) List() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count returns the number of users in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) countAdminsLocked() int {
	n := 0
	for _, u := range s.users {
		if u.Role == model.RoleAdmin {
			n++
		}
	}
	return n
}

// CountAdmins returns the number of Admin users currently in the store.
func (s *Store) CountAdmins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countAdminsLocked()
}
