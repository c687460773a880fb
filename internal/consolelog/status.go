package consolelog

import (
	"fmt"
	"time"
)

// Infof prints a one-off informational line outside the event stream,
// for bootstrap messages main needs to report before the coordinator
// (and therefore the event bus) exists.
func Infof(format string, a ...interface{}) {
	fmt.Printf("%s  %s  %s\n", dim(time.Now().Format("15:04:05")), accent("ℹ"), fmt.Sprintf(format, a...))
}

// Errf prints a one-off error line the same way, routed to stdout since
// sandstormd has no separate error stream.
func Errf(format string, a ...interface{}) {
	fmt.Printf("%s  %s  %s\n", dim(time.Now().Format("15:04:05")), errColor("✖"), errColor(fmt.Sprintf(format, a...)))
}
