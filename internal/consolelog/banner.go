package consolelog

import (
	"fmt"
	"os"
	"strings"
)

const (
	boxTopLeft     = "╭"
	boxTopRight    = "╮"
	boxBottomLeft  = "╰"
	boxBottomRight = "╯"
	boxHorizontal  = "─"
	boxVertical    = "│"
)

var bannerEmitted = false

// EmitBanner prints a one-time startup banner naming the bound listeners.
// Skipped outside a TTY and for --version/-v invocations.
func EmitBanner(version string, socksAddrs, sandAddrs []string) {
	if bannerEmitted || !isTTY() {
		return
	}
	for _, arg := range os.Args {
		if arg == "--version" || arg == "-v" {
			return
		}
	}

	width := 60
	fmt.Println()
	fmt.Println(dim(boxTopLeft + strings.Repeat(boxHorizontal, width) + boxTopRight))
	title := fmt.Sprintf("◆ SANDSTORM  %s", version)
	fmt.Printf("%s  %s\n", dim(boxVertical), heading(title))
	for _, a := range socksAddrs {
		fmt.Printf("%s  %s %s\n", dim(boxVertical), dim("socks5"), subtle(a))
	}
	for _, a := range sandAddrs {
		fmt.Printf("%s  %s %s\n", dim(boxVertical), dim("sandstorm"), subtle(a))
	}
	fmt.Println(dim(boxBottomLeft + strings.Repeat(boxHorizontal, width) + boxBottomRight))
	fmt.Println()
	bannerEmitted = true
}

func isTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// ResetBanner allows the banner to print again; used by tests.
func ResetBanner() {
	bannerEmitted = false
}
