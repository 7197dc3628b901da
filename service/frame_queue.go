package service

import (
	"sync/atomic"

	"emulatorwatch/models"
)

// DefaultQueueCapacity bounds the shared frame queue. At one frame per
// second per device this holds several minutes of backlog for a handful
// of emulators before anything is dropped.
const DefaultQueueCapacity = 256

// FrameQueue is the bounded multi-producer queue every capture worker
// writes into. Push never blocks: when the queue is full the oldest
// queued frame is dropped to make room.
//
// The channel is never closed; workers that miss their stop grace period
// may still push after the supervisor has forgotten them.
type FrameQueue struct {
	ch      chan models.FrameEvent
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{ch: make(chan models.FrameEvent, capacity)}
}

// Push enqueues ev, evicting the oldest frame if the queue is full.
// Returns false if some frame had to be dropped.
func (q *FrameQueue) Push(ev models.FrameEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	// Full - drop oldest and try again
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
	return false
}

// C is the receive side for consumers.
func (q *FrameQueue) C() <-chan models.FrameEvent {
	return q.ch
}

// Drain returns every frame currently queued without blocking
func (q *FrameQueue) Drain() []models.FrameEvent {
	var out []models.FrameEvent
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (q *FrameQueue) Len() int {
	return len(q.ch)
}

func (q *FrameQueue) Cap() int {
	return cap(q.ch)
}

// Dropped counts frames evicted because the consumer fell behind.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}
