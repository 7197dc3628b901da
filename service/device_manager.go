package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"emulatorwatch/models"
)

// DeviceLister enumerates the emulators on the remote host.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.DeviceDescriptor, error)
}

// SightingRecorder persists which devices a host reported.
type SightingRecorder interface {
	RecordSightings(ctx context.Context, hostAlias string, devices []models.DeviceDescriptor, at time.Time) error
}

// DeviceManager caches the result of the latest device listing
type DeviceManager struct {
	lister    DeviceLister
	recorder  SightingRecorder
	hostAlias string
	log       *slog.Logger

	mu       sync.RWMutex
	devices  map[string]models.DeviceDescriptor
	lastScan time.Time
}

// NewDeviceManager creates a manager for hostAlias. recorder may be nil.
func NewDeviceManager(lister DeviceLister, recorder SightingRecorder, hostAlias string, logger *slog.Logger) *DeviceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceManager{
		lister:    lister,
		recorder:  recorder,
		hostAlias: hostAlias,
		log:       logger,
		devices:   make(map[string]models.DeviceDescriptor),
	}
}

// ScanDevices lists the host's emulators and replaces the cache.
// A transport failure leaves the previous cache untouched.
func (m *DeviceManager) ScanDevices(ctx context.Context) ([]models.DeviceDescriptor, error) {
	devices, err := m.lister.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	m.devices = make(map[string]models.DeviceDescriptor, len(devices))
	for _, d := range devices {
		m.devices[d.Serial] = d
	}
	m.lastScan = now
	m.mu.Unlock()

	m.log.Info("device scan complete", "count", len(devices))

	if m.recorder != nil && len(devices) > 0 {
		if err := m.recorder.RecordSightings(ctx, m.hostAlias, devices, now); err != nil {
			// Inventory is best effort; the scan itself succeeded.
			m.log.Warn("failed to record device sightings", "error", err)
		}
	}
	return devices, nil
}

// GetAllDevices returns the cached devices sorted by serial
func (m *DeviceManager) GetAllDevices() []models.DeviceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]models.DeviceDescriptor, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices
}

// GetDevice returns a single cached device by serial
func (m *DeviceManager) GetDevice(serial string) (models.DeviceDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[serial]
	return d, ok
}

// LastScan is the zero time until the first successful scan.
func (m *DeviceManager) LastScan() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastScan
}
