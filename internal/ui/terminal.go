package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ProfileFor returns the color profile to use when writing to w. Anything
// that is not a terminal, or NO_COLOR being set, gets plain text.
func ProfileFor(w io.Writer) termenv.Profile {
	if os.Getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// ConfigureOutput sets the lipgloss color profile for w.
func ConfigureOutput(w io.Writer) {
	lipgloss.SetColorProfile(ProfileFor(w))
}
