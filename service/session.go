package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"emulatorwatch/adb"
	"emulatorwatch/models"
	"emulatorwatch/remote"
)

var ErrNoSession = errors.New("no active session")

// Connection is a live remote executor that can be shut down.
type Connection interface {
	remote.Executor
	Close() error
}

// Dialer opens a connection to host. Returning an error means no session
// can be formed.
type Dialer func(ctx context.Context, host models.SSHHost) (Connection, error)

// FrameSink receives every frame drained from a session's queue.
type FrameSink func(models.FrameEvent)

// SessionConfig is applied to every session the manager creates.
type SessionConfig struct {
	ADBPath        string
	PollInterval   time.Duration
	ListTimeout    time.Duration
	CaptureTimeout time.Duration
	QueueCapacity  int
	Recorder       SightingRecorder
	Logger         *slog.Logger
}

// Session bundles everything tied to one remote connection. Nothing in
// it is shared with other sessions.
type Session struct {
	ID          string
	Host        models.SSHHost
	ConnectedAt time.Time

	ADB        *adb.ADBClient
	Supervisor *StreamSupervisor
	Devices    *DeviceManager
	Actions    *ActionDispatcher
	// Frames holds the latest delivered frame per device of this session.
	Frames *FrameCache

	conn       Connection
	log        *slog.Logger
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	// deliverMu orders frame delivery against StopStream/StopAll so a
	// stopped device cannot reappear in Frames.
	deliverMu sync.Mutex
}

// Info summarizes the session for status endpoints.
func (s *Session) Info() models.SessionInfo {
	q := s.Supervisor.Queue()
	return models.SessionInfo{
		ID:          s.ID,
		Host:        s.Host,
		ConnectedAt: s.ConnectedAt,
		Streams:     s.Supervisor.ActiveSerials(),
		FramesQueue: q.Len(),
		FramesDrop:  q.Dropped(),
	}
}

// Refresh rescans devices and stops streams for emulators that are no
// longer listed.
func (s *Session) Refresh(ctx context.Context) ([]models.DeviceDescriptor, error) {
	devices, err := s.Devices.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.Serial] = true
	}
	for _, serial := range s.Supervisor.ActiveSerials() {
		if !present[serial] {
			s.log.Info("device disappeared, stopping stream", "serial", serial)
			s.StopStream(serial)
		}
	}
	return devices, nil
}

// StartAll streams every device from the latest scan.
func (s *Session) StartAll() error {
	for _, d := range s.Devices.GetAllDevices() {
		if err := s.Supervisor.StartStream(d); err != nil {
			return err
		}
	}
	return nil
}

// StopStream stops capturing serial and drops its cached frame. Frames
// of serial still queued are discarded by the pump.
func (s *Session) StopStream(serial string) {
	s.Supervisor.StopStream(serial)
	s.deliverMu.Lock()
	s.Frames.Forget(serial)
	s.deliverMu.Unlock()
}

// StopAll stops every stream and clears the frame cache.
func (s *Session) StopAll() {
	s.Supervisor.StopAll()
	s.deliverMu.Lock()
	s.Frames.Reset()
	s.deliverMu.Unlock()
}

func (s *Session) pump(ctx context.Context, sink FrameSink) {
	defer close(s.pumpDone)
	frames := s.Supervisor.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-frames:
			s.deliver(ev, sink)
		}
	}
}

func (s *Session) deliver(ev models.FrameEvent, sink FrameSink) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.Supervisor.IsStreaming(ev.Device.Serial) {
		return
	}
	s.Frames.Put(ev)
	sink(ev)
}

// close stops the pump first so nothing captured during teardown
// reaches the sink.
func (s *Session) close() error {
	s.pumpCancel()
	<-s.pumpDone
	s.Supervisor.Close()
	s.Actions.Close()
	err := s.conn.Close()
	s.log.Info("session closed", "id", s.ID)
	return err
}

// SessionManager owns at most one live session at a time.
type SessionManager struct {
	dial Dialer
	cfg  SessionConfig
	sink FrameSink
	log  *slog.Logger

	// connectMu serializes Connect/Disconnect so a slow dial cannot
	// interleave with a teardown.
	connectMu sync.Mutex
	mu        sync.RWMutex
	current   *Session
}

// NewSessionManager creates a manager. sink may be nil, in which case
// frames stay in the session queue for callers to drain and the
// session frame cache stays empty.
func NewSessionManager(dial Dialer, cfg SessionConfig, sink FrameSink) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{dial: dial, cfg: cfg, sink: sink, log: logger}
}

// Connect replaces any current session with a fresh one for host.
func (m *SessionManager) Connect(ctx context.Context, host models.SSHHost) (*Session, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if err := m.disconnectLocked(); err != nil {
		m.log.Warn("error closing previous session", "error", err)
	}

	conn, err := m.dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host.Alias, err)
	}

	id := uuid.NewString()
	logger := m.log.With("session", id[:8], "host", host.Alias)

	client := adb.NewADBClient(conn, m.cfg.ADBPath, logger)
	if m.cfg.ListTimeout > 0 {
		client.ListTimeout = m.cfg.ListTimeout
	}
	if m.cfg.CaptureTimeout > 0 {
		client.CaptureTimeout = m.cfg.CaptureTimeout
	}

	devices := NewDeviceManager(client, m.cfg.Recorder, host.Alias, logger)
	session := &Session{
		ID:          id,
		Host:        host,
		ConnectedAt: time.Now().UTC(),
		ADB:         client,
		Supervisor: NewStreamSupervisor(client,
			WithPollInterval(m.cfg.PollInterval),
			WithQueue(NewFrameQueue(m.cfg.QueueCapacity)),
			WithLogger(logger)),
		Devices:  devices,
		Actions:  NewActionDispatcher(devices, client, logger),
		Frames:   NewFrameCache(),
		conn:     conn,
		log:      logger,
		pumpDone: make(chan struct{}),
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	session.pumpCancel = cancel
	if m.sink != nil {
		go session.pump(pumpCtx, m.sink)
	} else {
		close(session.pumpDone)
	}

	m.mu.Lock()
	m.current = session
	m.mu.Unlock()

	logger.Info("session connected", "target", host.DisplayName())
	return session, nil
}

// Disconnect stops every stream and closes the connection. It is a
// no-op without a session.
func (m *SessionManager) Disconnect() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.disconnectLocked()
}

func (m *SessionManager) disconnectLocked() error {
	m.mu.Lock()
	session := m.current
	m.current = nil
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.close()
}

// Current returns the live session or ErrNoSession.
func (m *SessionManager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}
