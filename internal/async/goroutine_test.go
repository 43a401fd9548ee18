package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func TestGoContainsPanic(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})
	Go(logger, "worker", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never finished")
	}

	deadline := time.Now().Add(time.Second)
	for {
		for _, line := range logger.snapshot() {
			if strings.Contains(line, "goroutine panic [worker]") && strings.Contains(line, "boom") {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected panic report, got %v", logger.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoverNilLoggerAbsorbsPanic(t *testing.T) {
	func() {
		defer Recover(nil, "quiet")
		panic("boom")
	}()
}

func TestLoopSurvivesPanickingTick(t *testing.T) {
	logger := &recordingLogger{}
	stop := make(chan struct{})
	defer close(stop)

	var mu sync.Mutex
	ticks := 0
	Loop(logger, "ticker", 5*time.Millisecond, stop, func() {
		mu.Lock()
		ticks++
		n := ticks
		mu.Unlock()
		if n == 1 {
			panic("first tick fails")
		}
	})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop stalled after %d tick(s)", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	found := false
	for _, line := range logger.snapshot() {
		if strings.Contains(line, "goroutine panic [ticker]") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the panicking tick to be reported, got %v", logger.snapshot())
	}
}
