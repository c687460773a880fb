// Package consolelog renders coordinator events and metrics snapshots as
// colorized status lines, driven by the event bus instead of direct
// print calls.
package consolelog

import (
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	noColor    = os.Getenv("NO_COLOR") != ""
	forceColor = isForceColor()
)

func isForceColor() bool {
	fc := strings.TrimSpace(os.Getenv("FORCE_COLOR"))
	return fc != "" && fc != "0"
}

// IsRich reports whether the terminal supports colorized output.
func IsRich() bool {
	if noColor && !forceColor {
		return false
	}
	return color.NoColor == false
}

func dim(format string, a ...interface{}) string {
	return color.New(color.FgHiBlack).Sprintf(format, a...)
}

func accent(format string, a ...interface{}) string {
	return color.New(color.FgCyan, color.Bold).Sprintf(format, a...)
}

func success(format string, a ...interface{}) string {
	return color.New(color.FgGreen).Sprintf(format, a...)
}

func warn(format string, a ...interface{}) string {
	return color.New(color.FgYellow).Sprintf(format, a...)
}

func errColor(format string, a ...interface{}) string {
	return color.New(color.FgRed).Sprintf(format, a...)
}

func subtle(format string, a ...interface{}) string {
	return color.New(color.FgWhite).Sprintf(format, a...)
}

func heading(format string, a ...interface{}) string {
	return color.New(color.FgMagenta, color.Bold).Sprintf(format, a...)
}
