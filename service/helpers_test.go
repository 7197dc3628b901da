package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"emulatorwatch/models"
)

// fakeCapturer answers screencaps per serial and records concurrency.
type fakeCapturer struct {
	mu          sync.Mutex
	calls       map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	delay       time.Duration
	respond     func(serial string, n int) (models.RunResult, error)
}

func newFakeCapturer(respond func(serial string, n int) (models.RunResult, error)) *fakeCapturer {
	if respond == nil {
		respond = func(serial string, n int) (models.RunResult, error) {
			return models.RunResult{Stdout: []byte(fmt.Sprintf("%s-%d", serial, n))}, nil
		}
	}
	return &fakeCapturer{
		calls:       make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		respond:     respond,
	}
}

func (f *fakeCapturer) ScreenCapture(ctx context.Context, serial string) (models.RunResult, error) {
	f.mu.Lock()
	f.calls[serial]++
	n := f.calls[serial]
	f.inflight[serial]++
	if f.inflight[serial] > f.maxInflight[serial] {
		f.maxInflight[serial] = f.inflight[serial]
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inflight[serial]--
	f.mu.Unlock()
	return f.respond(serial, n)
}

func (f *fakeCapturer) callCount(serial string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serial]
}

func (f *fakeCapturer) maxConcurrent(serial string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight[serial]
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// requireReceive reads one value from ch within timeout, or fails the test.
func requireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
	panic("unreachable")
}

func framesFor(events []models.FrameEvent, serial string) []models.FrameEvent {
	var out []models.FrameEvent
	for _, ev := range events {
		if ev.Device.Serial == serial {
			out = append(out, ev)
		}
	}
	return out
}

func serialFromCommand(command string) string {
	fields := strings.Fields(command)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "-s" {
			return fields[i+1]
		}
	}
	return ""
}

func emulator(port int) models.DeviceDescriptor {
	return models.DeviceDescriptor{Serial: fmt.Sprintf("emulator-%d", port), Port: port}
}
