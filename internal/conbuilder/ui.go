package conbuilder

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
	Print(a ...any)
}

// UI holds the output styles and verbosity for one invocation. It is passed
// explicitly into every component instead of living in process globals, so a
// library caller or a test can supply its own.
type UI struct {
	arrow   colorPrinter
	info    colorPrinter
	warn    colorPrinter
	errc    colorPrinter
	success colorPrinter

	Verbose int
	Debug   bool
}

// NewUI builds a UI from the configured colors. Colors are dropped when the
// config disables them or stdout is not a terminal.
func NewUI(cfg *Config, verbose int) *UI {
	ui := &UI{Verbose: verbose, Debug: cfg.Debug}
	if !cfg.ColorEnabled || !term.IsTerminal(int(os.Stdout.Fd())) {
		return ui
	}
	ui.arrow = color.HEX("#FFEB3B")
	ui.info = color.HEX(cfg.ColorInfo)
	ui.warn = color.Warn
	ui.errc = color.HEX(cfg.ColorError)
	ui.success = color.HEX(cfg.ColorSuccess)
	return ui
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// Arrowf prints the "-> " progress marker followed by a success-styled line.
func (u *UI) Arrowf(format string, a ...any) {
	if u.arrow == nil {
		fmt.Print("-> ")
	} else {
		u.arrow.Print("-> ")
	}
	cPrintf(u.success, format+"\n", a...)
}

func (u *UI) Infof(format string, a ...any)  { cPrintf(u.info, format+"\n", a...) }
func (u *UI) Warnf(format string, a ...any)  { cPrintf(u.warn, format+"\n", a...) }
func (u *UI) Errorf(format string, a ...any) { cPrintf(u.errc, format+"\n", a...) }

// Commandf echoes an external command line before it runs, verbose mode only.
func (u *UI) Commandf(cmdline string) {
	if u.Verbose > 0 {
		cPrintf(u.info, "%s\n", cmdline)
	}
}

// Debugf prints debug messages when Debug is true
func (u *UI) Debugf(format string, args ...any) {
	if u.Debug {
		fmt.Printf(format, args...)
	}
}
