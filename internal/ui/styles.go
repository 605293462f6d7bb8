// Package ui styles terminal output for the jouster CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1D6FA3", Dark: "#2CB1D7"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#1E8449", Dark: "#2ECC71"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B7950B", Dark: "#F4D03F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#E74C3C"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#7F8C8D", Dark: "#6C7A89"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	keyStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Init chooses the color profile. Colors are dropped when noColor is set,
// when NO_COLOR or CLICOLOR=0 is in the environment, or when stdout is not
// a terminal.
func Init(noColor bool) {
	if noColor || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s in the error color.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// Fields prints aligned "key: value" lines.
func Fields(w io.Writer, pairs ...string) {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		width = max(width, len(pairs[i]))
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		pad := strings.Repeat(" ", width-len(pairs[i]))
		fmt.Fprintf(w, "   %s%s %s\n", keyStyle.Render(pairs[i]+":"), pad, pairs[i+1])
	}
}

// FormatBytes renders a byte count the way status output shows file sizes.
func FormatBytes(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
