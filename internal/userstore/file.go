package userstore

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sandstormd/sandstorm/internal/model"
)

// ParseFile decodes the line-oriented user file format (spec.md §6.1):
// one user per line, `ROLECHAR USERNAME ':' PASSWORD`, with `\:` and `\\`
// escapes inside username/password. Blank lines and lines beginning with
// '#' are ignored; '#' only starts a comment when it is not itself the
// leading role character (RoleRegular is '#'), which the column-0 check
// below disambiguates naturally since a comment '#' is never followed by
// a colon-delimited user/pass pair.
func ParseFile(r *bufio.Scanner) ([]model.User, error) {
	var users []model.User
	lineNo := 0
	for r.Scan() {
		lineNo++
		line := r.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		u, err := parseLine(line)
		if err != nil {
			// '#' is both the RoleRegular char and the comment marker;
			// a '#' line that fails to parse as a user is a comment.
			// '@' never starts a comment, so its parse failures are fatal.
			if line[0] == '#' {
				continue
			}
			return nil, fmt.Errorf("userstore: line %d: %w", lineNo, err)
		}
		users = append(users, u)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func parseLine(line string) (model.User, error) {
	role := model.Role(line[0])
	if !role.Valid() {
		return model.User{}, fmt.Errorf("invalid role char %q", line[0])
	}
	rest := line[1:]
	if len(rest) == 0 || rest[0] != ' ' {
		return model.User{}, fmt.Errorf("expected space after role char")
	}
	rest = rest[1:]

	username, password, ok := splitUnescapedColon(rest)
	if !ok {
		return model.User{}, fmt.Errorf("missing unescaped ':' separator")
	}
	return model.User{Username: unescape(username), Password: unescape(password), Role: role}, nil
}

// splitUnescapedColon finds the first ':' not preceded by an odd number
// of backslashes and splits s there.
func splitUnescapedColon(s string) (before, after string, ok bool) {
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == ':':
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func unescape(s string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == ':' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EncodeFile serializes users back into the line-oriented file format.
func EncodeFile(users []model.User) []byte {
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "%c %s:%s\n", byte(u.Role), escape(u.Username), escape(u.Password))
	}
	return []byte(b.String())
}

// DefaultAdmin is installed whenever the user file is missing, empty, or
// fails to parse (spec.md §6.1).
func DefaultAdmin() model.User {
	return model.User{Username: "admin", Password: "admin", Role: model.RoleAdmin}
}

// LoadFile reads and parses path. On any failure (missing file, I/O
// error, malformed line) it logs nothing itself — callers are expected
// to report the failure and fall back to []model.User{DefaultAdmin()}.
func LoadFile(path string) ([]model.User, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	users, err := ParseFile(bufio.NewScanner(f))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("userstore: %s contains no users", path)
	}
	return users, nil
}

// SaveFile persists users to path, the counterpart to LoadFile used as
// the coordinator's persist callback on shutdown (spec.md §4.7).
func SaveFile(path string, users []model.User) error {
	return os.WriteFile(path, EncodeFile(users), 0600)
}
