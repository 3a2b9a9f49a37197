package ui

import (
	"bytes"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/vpcsh/vpcsh/internal/fleet"
	"github.com/vpcsh/vpcsh/internal/util"
)

// ReportRenderer renders one host's result as a colored block: a bold
// green header, a green "try" line per identity attempted, then the
// command output or a red error line.
type ReportRenderer struct {
	// MaxOutputLines keeps only the last N lines of output. Zero keeps all.
	MaxOutputLines int
	// ShowTiming appends the host's duration to the header.
	ShowTiming bool

	headerStyle  lipgloss.Style
	tryStyle     lipgloss.Style
	errorStyle   lipgloss.Style
	warningStyle lipgloss.Style
	mutedStyle   lipgloss.Style
}

// NewReportRenderer creates a renderer with default styles.
func NewReportRenderer() *ReportRenderer {
	return &ReportRenderer{
		headerStyle:  lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true),
		tryStyle:     lipgloss.NewStyle().Foreground(ColorSuccess),
		errorStyle:   lipgloss.NewStyle().Foreground(ColorError),
		warningStyle: lipgloss.NewStyle().Foreground(ColorWarning),
		mutedStyle:   lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// Render implements fleet.BlockRenderer.
func (r *ReportRenderer) Render(res fleet.Result) []byte {
	var b bytes.Buffer

	b.WriteByte('\n')
	header := r.headerStyle.Render(res.Target.Label())
	if r.ShowTiming && res.Duration > 0 {
		header += " " + r.mutedStyle.Render(fmt.Sprintf("(%s)", formatDuration(res.Duration)))
	}
	b.WriteString(header)
	b.WriteByte('\n')

	for _, user := range res.TriedIdentities {
		b.WriteString(r.tryStyle.Render(fmt.Sprintf("try %s@%s", user, res.Target.Address)))
		b.WriteByte('\n')
	}

	o := res.Outcome
	if o.Kind != fleet.OutcomeSuccess {
		b.WriteString(r.errorStyle.Render(fmt.Sprintf("%s %s", outcomeSymbol(o), fleet.OutcomeMessage(o))))
		b.WriteByte('\n')
		return b.Bytes()
	}

	out := string(o.Output)
	if r.MaxOutputLines > 0 {
		var dropped int
		out, dropped = util.LastLines(out, r.MaxOutputLines)
		if dropped > 0 {
			b.WriteString(r.mutedStyle.Render(fmt.Sprintf("... %d earlier %s omitted",
				dropped, util.Pluralize(dropped, "line", "lines"))))
			b.WriteByte('\n')
		}
	}
	b.WriteString(out)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		b.WriteByte('\n')
	}

	if o.ExitCode != 0 {
		b.WriteString(r.warningStyle.Render(fmt.Sprintf("%s exit status %d", SymbolFail, o.ExitCode)))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func outcomeSymbol(o fleet.ExecutionOutcome) string {
	switch o.Kind {
	case fleet.OutcomeSuccess:
		if o.ExitCode == 0 {
			return SymbolSuccess
		}
		return SymbolFail
	case fleet.OutcomeAuthExhausted:
		return SymbolAuth
	case fleet.OutcomeTimedOut:
		return SymbolTimeout
	case fleet.OutcomeSkipped:
		return SymbolSkipped
	default:
		return SymbolFail
	}
}

// formatDuration formats a duration for display (e.g., "0.3s", "1.2s", "2m5s").
func formatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	secs := d.Seconds()
	if secs < 0.1 {
		return fmt.Sprintf("%.2fs", secs)
	}
	return fmt.Sprintf("%.1fs", secs)
}
