// Package config defines the sandstormd CLI surface (spec.md §6.4) on
// top of spf13/cobra. This package does not read .env files; the
// optional godotenv overlay is loaded by cmd/sandstormd before Execute.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandstormd/sandstorm/internal/model"
	"github.com/spf13/cobra"
)

var (
	DefaultListen     = []string{"[::]:1080", "0.0.0.0:1080"}
	DefaultManagement = []string{"[::]:2222", "0.0.0.0:2222"}
)

// Config holds every flag value from the CLI surface.
type Config struct {
	Listen        []string
	Management    []string
	UsersFile     string
	UserSpecs     []string
	AuthEnable    []string
	AuthDisable   []string
	BufferSize    bufferSizeValue
	LogFile       string
	MetricsListen string
	Silent        bool
	Verbose       bool
	DisableEvents bool
}

// Execute parses args (via cobra) into a Config, applies listen/
// management defaults, and calls run with it. Its return value is the
// process exit code (spec.md §6.4: 0 clean, 1 bootstrap failure, 2 fatal).
// A flag-parsing error also yields exit code 1. Callers pass os.Args[1:].
func Execute(version string, args []string, run func(*Config) int) int {
	cmd, cfg := newRootCommand(version)
	if args == nil {
		// cobra substitutes os.Args[1:] for nil args; nil means no flags here.
		args = []string{}
	}
	cmd.SetArgs(args)
	code := 1
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(cfg.Listen) == 0 {
			cfg.Listen = append([]string(nil), DefaultListen...)
		}
		if len(cfg.Management) == 0 {
			cfg.Management = append([]string(nil), DefaultManagement...)
		}
		cmd.SilenceUsage = true
		code = run(cfg)
		return nil
	}
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return code
}

func newRootCommand(version string) (*cobra.Command, *Config) {
	cfg := &Config{BufferSize: bufferSizeValue(model.DefaultBufferSize)}

	cmd := &cobra.Command{
		Use:     "sandstormd",
		Short:   "SOCKS5 proxy with the Sandstorm management protocol",
		Version: version,
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&cfg.Listen, "listen", nil, "SOCKS5 listen address (repeatable)")
	flags.StringArrayVar(&cfg.Management, "management", nil, "Sandstorm management listen address (repeatable)")
	flags.StringVar(&cfg.UsersFile, "users-file", "", "path to the user credentials file")
	flags.StringArrayVar(&cfg.UserSpecs, "user", nil, "bootstrap user as role:username:password (repeatable)")
	flags.StringArrayVar(&cfg.AuthEnable, "auth-enable", nil, "enable an auth method: noauth or userpass")
	flags.StringArrayVar(&cfg.AuthDisable, "auth-disable", nil, "disable an auth method: noauth or userpass")
	flags.Var(&cfg.BufferSize, "buffer-size", "relay copy buffer size, e.g. 8192, 64K, 1M")
	flags.StringVar(&cfg.LogFile, "log-file", "", "send the standard log package's output to this file (console status lines still go to stdout)")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", ":9090", "Prometheus /metrics listen address, empty to disable")
	flags.BoolVar(&cfg.Silent, "silent", false, "suppress routine status output")
	flags.BoolVar(&cfg.Verbose, "verbose", false, "print per-session lifecycle events")
	flags.BoolVar(&cfg.DisableEvents, "disable-events", false, "disable the Sandstorm wire event stream (server-side console logging is unaffected)")

	return cmd, cfg
}

// ParseUserSpec decodes a --user flag value of the form
// "role:username:password", role one of "admin"/"regular".
func ParseUserSpec(spec string) (model.User, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return model.User{}, fmt.Errorf("config: invalid user spec %q, want role:username:password", spec)
	}
	var role model.Role
	switch parts[0] {
	case "admin":
		role = model.RoleAdmin
	case "regular":
		role = model.RoleRegular
	default:
		return model.User{}, fmt.Errorf("config: invalid role %q, want admin or regular", parts[0])
	}
	if parts[1] == "" || parts[2] == "" {
		return model.User{}, fmt.Errorf("config: invalid user spec %q, username and password must be non-empty", spec)
	}
	return model.User{Username: parts[1], Password: parts[2], Role: role}, nil
}

// ParseAuthMethod maps a CLI method name to its wire ID.
func ParseAuthMethod(name string) (model.AuthMethodID, error) {
	switch name {
	case "noauth":
		return model.AuthNoAuth, nil
	case "userpass":
		return model.AuthUserPass, nil
	default:
		return 0, fmt.Errorf("config: invalid auth method %q, want noauth or userpass", name)
	}
}

// bufferSizeValue implements pflag.Value so --buffer-size can accept the
// N[K|M|G] suffix notation from spec.md §6.4 directly.
type bufferSizeValue uint32

func (b *bufferSizeValue) String() string { return strconv.FormatUint(uint64(*b), 10) }
func (b *bufferSizeValue) Type() string   { return "size" }

func (b *bufferSizeValue) Set(s string) error {
	v, err := ParseBufferSize(s)
	if err != nil {
		return err
	}
	*b = bufferSizeValue(v)
	return nil
}

// ParseBufferSize parses N, NK, NM, or NG (powers of 1024), rejecting
// anything at or above 2^32.
func ParseBufferSize(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("config: empty buffer size")
	}
	mul := uint64(1)
	numPart := s
	switch s[len(s)-1] {
	case 'K', 'k':
		mul = 1 << 10
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mul = 1 << 20
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mul = 1 << 30
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid buffer size %q: %w", s, err)
	}
	total := n * mul
	if total == 0 || total >= (uint64(1)<<32) {
		return 0, fmt.Errorf("config: buffer size %q out of range", s)
	}
	return uint32(total), nil
}
