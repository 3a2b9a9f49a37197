package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var statusFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

const statusTick = 80 * time.Millisecond

// Status is a single animated line shown while vpcsh waits on the network
// before any host output exists: the inventory lookup and the script copy.
// With a total it also counts finished hosts, "(3/12)".
type Status struct {
	w     io.Writer
	total int
	start time.Time

	mu       sync.Mutex
	label    string
	done     int
	frame    int
	width    int
	finished bool

	stop   chan struct{}
	exited chan struct{}
}

// StartStatus draws label on w and animates it until Finish. A total of
// zero shows no counter.
func StartStatus(w io.Writer, label string, total int) *Status {
	s := &Status{
		w:      w,
		total:  total,
		start:  time.Now(),
		label:  label,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.draw()
	s.mu.Unlock()
	go s.animate()
	return s
}

// Step counts one host as finished. Safe to call from any goroutine.
func (s *Status) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.done++
	s.draw()
}

// Finish stops the animation and replaces the line with label, a success
// or failure mark and the elapsed time. Later calls do nothing.
func (s *Status) Finish(ok bool, label string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	close(s.stop)
	<-s.exited

	symbol, style := SymbolComplete, SuccessStyle()
	if !ok {
		symbol, style = SymbolFail, ErrorStyle()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	fmt.Fprintf(s.w, "%s %s %s\n", style.Render(symbol), label, MutedStyle().Render(formatDuration(time.Since(s.start))))
}

func (s *Status) animate() {
	defer close(s.exited)
	ticker := time.NewTicker(statusTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(statusFrames)
			s.draw()
			s.mu.Unlock()
		}
	}
}

// draw rewrites the line in place. Callers hold mu.
func (s *Status) draw() {
	style := lipgloss.NewStyle().Foreground(GradientColors[(s.frame/2)%len(GradientColors)])
	line := style.Render(statusFrames[s.frame]) + " " + s.label
	if s.total > 0 {
		line += fmt.Sprintf(" (%d/%d)", s.done, s.total)
	}
	s.clear()
	fmt.Fprint(s.w, line)
	s.width = lipgloss.Width(line)
}

func (s *Status) clear() {
	if s.width > 0 {
		fmt.Fprint(s.w, "\r"+strings.Repeat(" ", s.width)+"\r")
		s.width = 0
	}
}
