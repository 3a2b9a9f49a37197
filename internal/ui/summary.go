package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/vpcsh/vpcsh/internal/fleet"
)

// RenderSummary prints the end-of-run summary: one count line, then every
// host that didn't finish with exit 0 and why.
func RenderSummary(w io.Writer, results []fleet.Result, wall time.Duration) {
	successStyle := lipgloss.NewStyle().Foreground(ColorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(ColorError)
	warningStyle := lipgloss.NewStyle().Foreground(ColorWarning)
	mutedStyle := lipgloss.NewStyle().Foreground(ColorMuted)

	s := fleet.Summarize(results)
	divider := mutedStyle.Render(strings.Repeat("─", 60))

	fmt.Fprintln(w)
	fmt.Fprintln(w, divider)

	failedStyle := mutedStyle
	if s.Unreached() > 0 {
		failedStyle = errorStyle
	}
	nonZeroStyle := mutedStyle
	if s.NonZero > 0 {
		nonZeroStyle = warningStyle
	}
	fmt.Fprintf(w, "  %s %d ok  %s %d non-zero  %s %d unreached  %s %d total  %s\n",
		successStyle.Render(SymbolSuccess), s.Succeeded,
		nonZeroStyle.Render(SymbolFail), s.NonZero,
		failedStyle.Render(SymbolSkipped), s.Unreached(),
		mutedStyle.Render(SymbolComplete), s.Total,
		mutedStyle.Render(fmt.Sprintf("(%s)", formatDuration(wall))),
	)

	if s.Unreached() > 0 {
		fmt.Fprintf(w, "  %s\n", mutedStyle.Render(unreachedBreakdown(s)))
	}

	var problems []fleet.Result
	for _, r := range results {
		if !r.Outcome.OK() {
			problems = append(problems, r)
		}
	}
	if len(problems) > 0 {
		fmt.Fprintln(w)
		for _, r := range problems {
			style := errorStyle
			reason := fleet.OutcomeMessage(r.Outcome)
			if r.Outcome.Kind == fleet.OutcomeSuccess {
				style = warningStyle
				reason = fmt.Sprintf("exit status %d", r.Outcome.ExitCode)
			}
			fmt.Fprintf(w, "  %s %s %s\n",
				style.Render(outcomeSymbol(r.Outcome)),
				padRight(r.Target.Label(), 40),
				mutedStyle.Render(reason),
			)
		}
	}

	fmt.Fprintln(w, divider)
}

// FormatBriefSummary returns a one-line summary string.
func FormatBriefSummary(results []fleet.Result, wall time.Duration) string {
	s := fleet.Summarize(results)
	if s.Total == 0 {
		return "No hosts"
	}
	return fmt.Sprintf("%s (%s)", s.String(), formatDuration(wall))
}

func unreachedBreakdown(s fleet.Summary) string {
	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(s.AuthExhausted, "auth failed")
	add(s.Failed, "connection failed")
	add(s.TimedOut, "timed out")
	add(s.Skipped, "skipped")
	return "unreached: " + strings.Join(parts, ", ")
}
