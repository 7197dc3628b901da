package service

import (
	"sync"

	"emulatorwatch/models"
)

// FrameCache keeps the most recent frame per device so late viewers can
// render something immediately instead of waiting a poll interval.
type FrameCache struct {
	mu     sync.RWMutex
	frames map[string]models.FrameEvent
}

func NewFrameCache() *FrameCache {
	return &FrameCache{frames: make(map[string]models.FrameEvent)}
}

// Put stores ev if it is newer than the cached frame for its device.
func (c *FrameCache) Put(ev models.FrameEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.frames[ev.Device.Serial]; ok && cur.Timestamp.After(ev.Timestamp) {
		return
	}
	c.frames[ev.Device.Serial] = copyFrame(ev)
}

// Get returns a copy of the latest frame for serial
func (c *FrameCache) Get(serial string) (models.FrameEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.frames[serial]
	if !ok {
		return models.FrameEvent{}, false
	}
	return copyFrame(ev), true
}

func (c *FrameCache) Forget(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frames, serial)
}

func (c *FrameCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = make(map[string]models.FrameEvent)
}

func copyFrame(ev models.FrameEvent) models.FrameEvent {
	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	ev.Data = data
	return ev
}
