package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"emulatorwatch/adb"
	"emulatorwatch/models"
)

// DefaultPollInterval is the delay between two captures of one device
const DefaultPollInterval = time.Second

var ErrSupervisorClosed = errors.New("stream supervisor closed")

// Capturer grabs one raw screenshot of a device.
type Capturer interface {
	ScreenCapture(ctx context.Context, serial string) (models.RunResult, error)
}

var _ Capturer = (*adb.ADBClient)(nil)

// WorkerState is the lifecycle state of a capture worker
type WorkerState int

const (
	StateRunning  WorkerState = iota // Polling
	StateStopping                    // Cancelled, finishing the current iteration
	StateStopped                     // Goroutine exited
)

func (s WorkerState) String() string {
	return [...]string{"RUNNING", "STOPPING", "STOPPED"}[s]
}

// StreamSupervisor owns one capture worker per streamed device. All
// workers share the capturer (and so the remote connection) and push
// into one FrameQueue.
type StreamSupervisor struct {
	capturer Capturer
	queue    *FrameQueue
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	// callCtx bounds remote calls. Stopping a worker does not abort its
	// in-flight call; only Close does.
	callCtx    context.Context
	callCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*workerHandle
	// stopping holds cancelled workers whose goroutine has not exited;
	// stopped keeps the last exited worker per serial for Stats.
	stopping map[*workerHandle]struct{}
	stopped  map[string]*workerHandle
	closed   bool
}

// workerHandle binds a device to the cancel func and exit signal of its worker
type workerHandle struct {
	descriptor models.DeviceDescriptor
	cancel     context.CancelFunc
	done       chan struct{}
	stats      *workerStats
}

type SupervisorOption func(*StreamSupervisor)

// WithPollInterval sets the delay between captures for workers started
// after construction.
func WithPollInterval(d time.Duration) SupervisorOption {
	return func(s *StreamSupervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithQueue makes workers push into q instead of a private queue.
func WithQueue(q *FrameQueue) SupervisorOption {
	return func(s *StreamSupervisor) {
		if q != nil {
			s.queue = q
		}
	}
}

func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *StreamSupervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the frame timestamp source.
func WithClock(now func() time.Time) SupervisorOption {
	return func(s *StreamSupervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStreamSupervisor creates a supervisor with no running workers
func NewStreamSupervisor(capturer Capturer, opts ...SupervisorOption) *StreamSupervisor {
	s := &StreamSupervisor{
		capturer: capturer,
		interval: DefaultPollInterval,
		log:      slog.Default(),
		now:      time.Now,
		workers:  make(map[string]*workerHandle),
		stopping: make(map[*workerHandle]struct{}),
		stopped:  make(map[string]*workerHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = NewFrameQueue(DefaultQueueCapacity)
	}
	s.callCtx, s.callCancel = context.WithCancel(context.Background())
	return s
}

// Interval returns the poll interval used for new workers.
func (s *StreamSupervisor) Interval() time.Duration {
	return s.interval
}

// Frames is the shared output of every worker.
func (s *StreamSupervisor) Frames() <-chan models.FrameEvent {
	return s.queue.C()
}

// Queue exposes the shared queue for non-blocking draining.
func (s *StreamSupervisor) Queue() *FrameQueue {
	return s.queue
}

// StartStream starts capturing descriptor. A second call for a serial
// that already has a worker is a no-op.
func (s *StreamSupervisor) StartStream(descriptor models.DeviceDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSupervisorClosed
	}
	if _, exists := s.workers[descriptor.Serial]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &workerHandle{
		descriptor: descriptor,
		cancel:     cancel,
		done:       make(chan struct{}),
		stats:      newWorkerStats(s.now()),
	}
	s.workers[descriptor.Serial] = handle
	delete(s.stopped, descriptor.Serial)

	w := &captureWorker{
		descriptor: descriptor,
		capturer:   s.capturer,
		queue:      s.queue,
		interval:   s.interval,
		callCtx:    s.callCtx,
		now:        s.now,
		stats:      handle.stats,
		log:        s.log.With("serial", descriptor.Serial),
	}
	go func() {
		defer s.retire(handle)
		w.run(ctx)
	}()
	return nil
}

// retire records an exited worker and signals its done channel.
func (s *StreamSupervisor) retire(handle *workerHandle) {
	s.mu.Lock()
	delete(s.stopping, handle)
	serial := handle.descriptor.Serial
	if _, restarted := s.workers[serial]; !restarted {
		s.stopped[serial] = handle
	}
	s.mu.Unlock()
	close(handle.done)
}

// StopStream cancels the worker for serial and waits up to two poll
// intervals for it to exit. Unknown serials are ignored.
func (s *StreamSupervisor) StopStream(serial string) {
	s.mu.Lock()
	handle, exists := s.workers[serial]
	if exists {
		delete(s.workers, serial)
		s.stopping[handle] = struct{}{}
		handle.stats.setState(StateStopping)
	}
	s.mu.Unlock()

	if !exists {
		return
	}

	handle.cancel()

	grace := time.NewTimer(2 * s.interval)
	defer grace.Stop()
	select {
	case <-handle.done:
	case <-grace.C:
		s.log.Warn("capture worker did not stop within grace period",
			"serial", serial, "grace", 2*s.interval)
	}
}

// StopAll stops every worker known at the time of the call.
func (s *StreamSupervisor) StopAll() {
	for _, serial := range s.ActiveSerials() {
		s.StopStream(serial)
	}
}

// ActiveSerials returns a sorted snapshot of the streamed serials.
func (s *StreamSupervisor) ActiveSerials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	serials := make([]string, 0, len(s.workers))
	for serial := range s.workers {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}

// IsStreaming reports whether serial currently has a worker
func (s *StreamSupervisor) IsStreaming(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[serial]
	return ok
}

// Stats returns counters for running, stopping and stopped workers,
// sorted by serial. A stopped worker is listed until its serial is
// streamed again.
func (s *StreamSupervisor) Stats() []models.StreamStats {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers)+len(s.stopping)+len(s.stopped))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	for h := range s.stopping {
		handles = append(handles, h)
	}
	for _, h := range s.stopped {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]models.StreamStats, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.stats.snapshot(h.descriptor.Serial))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Serial != out[j].Serial {
			return out[i].Serial < out[j].Serial
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Close stops every worker, aborts any remote call still in flight and
// rejects further StartStream calls.
func (s *StreamSupervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.callCancel()
}

// workerStats is written by one worker and read by status endpoints
type workerStats struct {
	mu          sync.Mutex
	state       WorkerState
	frames      uint64
	failures    uint64
	lastError   string
	lastFrameAt time.Time
	startedAt   time.Time
}

func newWorkerStats(startedAt time.Time) *workerStats {
	return &workerStats{state: StateRunning, startedAt: startedAt}
}

func (w *workerStats) setState(state WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state > w.state {
		w.state = state
	}
}

func (w *workerStats) recordFrame(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	w.lastFrameAt = at
}

func (w *workerStats) recordFailure(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	w.lastError = msg
}

func (w *workerStats) snapshot(serial string) models.StreamStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return models.StreamStats{
		Serial:         serial,
		State:          w.state.String(),
		FramesCaptured: w.frames,
		Failures:       w.failures,
		LastError:      w.lastError,
		LastFrameAt:    w.lastFrameAt,
		StartedAt:      w.startedAt,
	}
}
