package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Semantic colors for status indication. ANSI codes so they follow the
// terminal's own palette.
const (
	ColorSuccess lipgloss.Color = "2" // Green
	ColorError   lipgloss.Color = "1" // Red
	ColorWarning lipgloss.Color = "3" // Yellow
	ColorInfo    lipgloss.Color = "6" // Cyan
)

// Text colors for content hierarchy
const (
	ColorPrimary   lipgloss.Color = "7" // White/default
	ColorSecondary lipgloss.Color = "4" // Blue
	ColorMuted     lipgloss.Color = "8" // Gray (bright black)
)

// GradientColors cycle through the spinner frames.
var GradientColors = []lipgloss.Color{ColorInfo, ColorSecondary, ColorSuccess, ColorSecondary}

// SuccessStyle renders text in the success color.
func SuccessStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(ColorSuccess) }

// ErrorStyle renders text in the error color.
func ErrorStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(ColorError) }

// WarningStyle renders text in the warning color.
func WarningStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(ColorWarning) }

// MutedStyle renders secondary text.
func MutedStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(ColorMuted) }

// DisableColors switches every style to plain text (for --no-color).
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ConfigureColors applies output.color: "never" disables colors, "always"
// forces ANSI colors even when piped, "auto" keeps lipgloss's detection
// unless out isn't a terminal.
func ConfigureColors(mode string, isTTY bool) {
	switch mode {
	case "never":
		DisableColors()
	case "always":
		lipgloss.SetColorProfile(termenv.ANSI)
	default:
		if !isTTY {
			DisableColors()
		}
	}
}
