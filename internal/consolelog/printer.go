package consolelog

import (
	"fmt"
	"time"

	"github.com/sandstormd/sandstorm/internal/eventbus"
	"github.com/sandstormd/sandstorm/internal/model"
)

// Printer renders bus events to stdout as colorized status lines. Silent
// suppresses everything but errors and the shutdown line; Verbose adds the
// per-session lifecycle events that are otherwise too chatty for routine
// operation.
type Printer struct {
	Silent  bool
	Verbose bool
}

func NewPrinter(silent, verbose bool) *Printer {
	return &Printer{Silent: silent, Verbose: verbose}
}

// Run consumes sub until its Events channel closes (subscription torn down
// or the bus overran it), rendering each event as it arrives. Intended to
// run in its own goroutine for the lifetime of the process.
func (p *Printer) Run(sub *eventbus.Subscription) {
	for e := range sub.Events {
		p.render(e)
	}
}

func (p *Printer) render(e model.Event) {
	if p.Silent && !p.alwaysShown(e.Kind) {
		return
	}
	if !p.Verbose && p.sessionChatter(e.Kind) {
		return
	}

	ts := dim(time.Now().Format("15:04:05"))

	switch e.Kind {
	case model.EventSessionOpened:
		fmt.Printf("%s  %s  new session %s  %s\n", ts, accent("◆"), dim(fmt.Sprintf("#%d", e.SessionID)), subtle(addrString(e.ClientAddr)))

	case model.EventSessionClosed:
		fmt.Printf("%s  %s  session %s closed  %s %s  %s %s\n", ts, dim("◇"), dim(fmt.Sprintf("#%d", e.SessionID)),
			dim("↑"), subtle(formatBytes(e.BytesUp)), dim("↓"), subtle(formatBytes(e.BytesDown)))

	case model.EventSessionAuthenticated:
		fmt.Printf("%s  %s  session %s authenticated as %s\n", ts, success("✔"), dim(fmt.Sprintf("#%d", e.SessionID)), accent(e.Username))

	case model.EventUpstreamResolved:
		fmt.Printf("%s  %s  session %s resolved %s\n", ts, dim("→"), dim(fmt.Sprintf("#%d", e.SessionID)), subtle(e.Host))

	case model.EventUpstreamConnected:
		fmt.Printf("%s  %s  session %s connected %s\n", ts, success("→"), dim(fmt.Sprintf("#%d", e.SessionID)), subtle(addrString(e.Addr)))

	case model.EventUpstreamFailed:
		fmt.Printf("%s  %s  session %s upstream failed: %s\n", ts, errColor("✖"), dim(fmt.Sprintf("#%d", e.SessionID)), errColor(e.FailedMsg))

	case model.EventBytesTransferred:
		m := e.Snapshot
		fmt.Printf("%s  %s  %s clients (%s total)  %s %s  %s %s\n", ts, dim("◈"),
			accent(fmt.Sprintf("%d", m.CurrentClients)), dim(fmt.Sprintf("%d", m.HistoricClients)),
			dim("↑"), subtle(formatBytes(m.BytesSent)), dim("↓"), subtle(formatBytes(m.BytesReceived)))

	case model.EventUserAdded:
		fmt.Printf("%s  %s  user added: %s (%s)\n", ts, success("✔"), accent(e.User.Username), dim(e.User.Role.String()))

	case model.EventUserUpdated:
		fmt.Printf("%s  %s  user updated: %s (%s)\n", ts, warn("✎"), accent(e.User.Username), dim(e.User.Role.String()))

	case model.EventUserRemoved:
		fmt.Printf("%s  %s  user removed: %s\n", ts, warn("✖"), accent(e.User.Username))

	case model.EventAuthMethodToggled:
		state := "disabled"
		if e.Enabled {
			state = "enabled"
		}
		fmt.Printf("%s  %s  auth method %s %s\n", ts, dim("◈"), accent(e.Method.String()), subtle(state))

	case model.EventListenerAdded:
		fmt.Printf("%s  %s  %s listener added on %s\n", ts, success("✔"), accent(e.Family.String()), subtle(addrString(e.ListenAddr)))

	case model.EventListenerRemoved:
		fmt.Printf("%s  %s  %s listener removed on %s\n", ts, warn("✖"), accent(e.Family.String()), subtle(addrString(e.ListenAddr)))

	case model.EventBufferSizeChanged:
		fmt.Printf("%s  %s  relay buffer size set to %s\n", ts, dim("◈"), accent(formatBytes(uint64(e.BufferSize))))

	case model.EventShutdownRequested:
		fmt.Printf("%s  %s  %s\n", ts, heading("◆"), heading("shutdown requested"))
	}
}

// alwaysShown reports whether this event kind is never suppressed by
// --silent (upstream failures and shutdown).
func (p *Printer) alwaysShown(k model.EventKind) bool {
	switch k {
	case model.EventUpstreamFailed, model.EventShutdownRequested:
		return true
	default:
		return false
	}
}

// sessionChatter reports whether this event kind is per-session lifecycle
// noise, only printed under --verbose.
func (p *Printer) sessionChatter(k model.EventKind) bool {
	switch k {
	case model.EventSessionOpened, model.EventSessionClosed, model.EventSessionAuthenticated,
		model.EventUpstreamResolved, model.EventUpstreamConnected, model.EventBytesTransferred:
		return true
	default:
		return false
	}
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return "?"
	}
	return a.String()
}

func formatBytes(b uint64) string {
	switch {
	case b < 1024:
		return fmt.Sprintf("%dB", b)
	case b < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	case b < 1024*1024*1024:
		return fmt.Sprintf("%.1fMB", float64(b)/(1024*1024))
	default:
		return fmt.Sprintf("%.1fGB", float64(b)/(1024*1024*1024))
	}
}
