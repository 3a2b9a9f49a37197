package ui

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatus_CountsSteps(t *testing.T) {
	var out syncBuffer
	s := StartStatus(&out, "Copying script to 3 hosts", 3)
	assert.Contains(t, out.String(), "Copying script to 3 hosts (0/3)")

	s.Step()
	s.Step()
	assert.Contains(t, out.String(), "(2/3)")

	s.Finish(true, "Script copied to 3 hosts")
	text := out.String()
	assert.Contains(t, text, SymbolComplete+" Script copied to 3 hosts")
	assert.True(t, strings.HasSuffix(text, "\n"))
}

func TestStatus_NoTotalNoCounter(t *testing.T) {
	var out syncBuffer
	s := StartStatus(&out, "Looking up hosts", 0)
	s.Finish(false, "Couldn't list hosts")

	text := out.String()
	assert.NotContains(t, text, "(0/")
	assert.Contains(t, text, SymbolFail+" Couldn't list hosts")
}

func TestStatus_Animates(t *testing.T) {
	var out syncBuffer
	s := StartStatus(&out, "Looking up hosts", 0)
	time.Sleep(3 * statusTick)
	s.Finish(true, "Found 2 hosts")

	assert.GreaterOrEqual(t, strings.Count(out.String(), "Looking up hosts"), 2)
}

func TestStatus_FinishOnce(t *testing.T) {
	var out syncBuffer
	s := StartStatus(&out, "x", 2)
	s.Finish(true, "first")
	s.Finish(false, "second")
	s.Step()

	text := out.String()
	assert.Contains(t, text, "first")
	assert.NotContains(t, text, "second")
	assert.NotContains(t, text, "(1/2)")
}

func TestStatus_ConcurrentSteps(t *testing.T) {
	var out syncBuffer
	s := StartStatus(&out, "Copying", 50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Step()
		}()
	}
	wg.Wait()
	s.Finish(true, "done")

	assert.Contains(t, out.String(), "(50/50)")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{0, "0.00s"},
		{50 * time.Millisecond, "0.05s"},
		{100 * time.Millisecond, "0.1s"},
		{1 * time.Second, "1.0s"},
		{1500 * time.Millisecond, "1.5s"},
		{10 * time.Second, "10.0s"},
		{125 * time.Second, "2m5s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.duration))
		})
	}
}
