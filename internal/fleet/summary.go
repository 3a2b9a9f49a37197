package fleet

import (
	"fmt"
	"strings"
)

// Summary counts results by outcome.
type Summary struct {
	Total         int `json:"total" yaml:"total"`
	Succeeded     int `json:"succeeded" yaml:"succeeded"`
	NonZero       int `json:"non_zero_exit" yaml:"non_zero_exit"`
	AuthExhausted int `json:"auth_exhausted" yaml:"auth_exhausted"`
	Failed        int `json:"failed" yaml:"failed"`
	TimedOut      int `json:"timed_out" yaml:"timed_out"`
	Skipped       int `json:"skipped" yaml:"skipped"`
}

// Summarize tallies results. Succeeded counts only zero exits; a command
// that ran and exited non-zero is counted in NonZero.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Outcome.Kind {
		case OutcomeSuccess:
			if r.Outcome.ExitCode == 0 {
				s.Succeeded++
			} else {
				s.NonZero++
			}
		case OutcomeAuthExhausted:
			s.AuthExhausted++
		case OutcomeFailed:
			s.Failed++
		case OutcomeTimedOut:
			s.TimedOut++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// AllOK reports whether every host ran the command and exited zero.
func (s Summary) AllOK() bool {
	return s.Succeeded == s.Total
}

// Unreached is the number of hosts where the command never completed.
func (s Summary) Unreached() int {
	return s.AuthExhausted + s.Failed + s.TimedOut + s.Skipped
}

func (s Summary) String() string {
	parts := []string{fmt.Sprintf("%d ok", s.Succeeded)}
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(s.NonZero, "non-zero exit")
	add(s.AuthExhausted, "auth failed")
	add(s.Failed, "failed")
	add(s.TimedOut, "timed out")
	add(s.Skipped, "skipped")
	return strings.Join(parts, ", ")
}
