package service

import (
	"sync"
	"testing"
	"time"

	"emulatorwatch/models"
)

func frameN(n int) models.FrameEvent {
	return models.FrameEvent{
		Device:    emulator(5554),
		Data:      []byte{byte(n)},
		Timestamp: time.Unix(int64(n), 0).UTC(),
	}
}

func TestFrameQueueDropsOldestWhenFull(t *testing.T) {
	q := NewFrameQueue(3)
	for i := 1; i <= 5; i++ {
		q.Push(frameN(i))
	}
	if q.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", q.Dropped())
	}

	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 queued frames, got %d", len(got))
	}
	for i, want := range []byte{3, 4, 5} {
		if got[i].Data[0] != want {
			t.Fatalf("position %d: expected frame %d, got %d", i, want, got[i].Data[0])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("drain must empty the queue")
	}
}

func TestFrameQueuePushNeverBlocks(t *testing.T) {
	q := NewFrameQueue(1)
	var wg sync.WaitGroup
	done := make(chan struct{})
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				q.Push(frameN(i))
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("producers blocked on a full queue")
	}
	if q.Len() != 1 {
		t.Fatalf("expected the queue to hold exactly one frame, got %d", q.Len())
	}
}

func TestFrameQueueDefaults(t *testing.T) {
	q := NewFrameQueue(0)
	if q.Cap() != DefaultQueueCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultQueueCapacity, q.Cap())
	}
	if got := q.Drain(); len(got) != 0 {
		t.Fatalf("empty drain should return nothing, got %d", len(got))
	}
	if !q.Push(frameN(1)) {
		t.Fatalf("push into an empty queue should not drop")
	}
	ev := requireReceive(t, q.C(), time.Second, "queued frame")
	if ev.Data[0] != 1 {
		t.Fatalf("unexpected frame %v", ev.Data)
	}
}

func TestFrameCacheKeepsNewestCopy(t *testing.T) {
	c := NewFrameCache()
	newer := frameN(2)
	c.Put(newer)
	c.Put(frameN(1))

	got, ok := c.Get("emulator-5554")
	if !ok || got.Data[0] != 2 {
		t.Fatalf("expected newest frame, got %+v ok=%v", got, ok)
	}

	got.Data[0] = 99
	again, _ := c.Get("emulator-5554")
	if again.Data[0] != 2 {
		t.Fatalf("Get must return a copy")
	}
	newer.Data[0] = 42
	again, _ = c.Get("emulator-5554")
	if again.Data[0] != 2 {
		t.Fatalf("Put must store a copy")
	}

	c.Forget("emulator-5554")
	if _, ok := c.Get("emulator-5554"); ok {
		t.Fatalf("expected frame to be forgotten")
	}
	c.Put(frameN(3))
	c.Reset()
	if _, ok := c.Get("emulator-5554"); ok {
		t.Fatalf("expected empty cache after reset")
	}
}
