package runner

import (
	"fmt"
	"os"
	"time"

	"github.com/maxvaer/fofasweep/internal/scanner"
	"golang.org/x/term"
)

const keyCtrlC = 0x03

// startStdinToggle puts the terminal in raw mode and toggles a pauser on
// Enter or Space. Workers finish the query in hand before holding. When stdin
// is not a terminal the pauser is nil. The returned func restores the
// terminal.
func startStdinToggle(quiet bool) (*scanner.Pauser, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, func() {}
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		if !quiet {
			fmt.Fprintf(os.Stderr, "[!] Pause key disabled, raw terminal unavailable: %v\n", err)
		}
		return nil, func() {}
	}
	// Only input needs to be raw.
	fixOutputProcessing(fd)

	restore := func() { _ = term.Restore(fd, saved) }
	pauser := scanner.NewPauser()
	go readKeys(pauser, restore, quiet)
	return pauser, restore
}

func readKeys(pauser *scanner.Pauser, restore func(), quiet bool) {
	var buf [1]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case keyCtrlC:
			restore()
			sendInterrupt()
			return
		case '\r', '\n', ' ':
			paused := pauser.Toggle()
			if quiet {
				continue
			}
			if paused {
				fmt.Fprint(os.Stderr, "\r\033[K[*] Paused after in-flight queries, press Enter or Space to resume\n")
			} else {
				fmt.Fprintf(os.Stderr, "\r\033[K[*] Resumed (paused %s in total)\n", pauser.PausedDuration().Round(time.Second))
			}
		}
	}
}
