package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"emulatorwatch/adb"
	"emulatorwatch/models"
)

// captureWorker polls one device until its context is cancelled.
type captureWorker struct {
	descriptor models.DeviceDescriptor
	capturer   Capturer
	queue      *FrameQueue
	interval   time.Duration
	callCtx    context.Context
	now        func() time.Time
	stats      *workerStats
	log        *slog.Logger
}

func (w *captureWorker) run(ctx context.Context) {
	w.log.Info("capture worker started", "interval", w.interval)
	defer func() {
		w.stats.setState(StateStopped)
		w.log.Info("capture worker stopped")
	}()

	wait := time.NewTimer(w.interval)
	defer wait.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		w.captureOnce(ctx)

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(w.interval)
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		}
	}
}

// captureOnce runs one screencap. Failures are logged and counted; they
// never end the loop. A result that arrives after ctx is cancelled is
// discarded, so a stopped worker never emits.
func (w *captureWorker) captureOnce(ctx context.Context) {
	result, err := w.capturer.ScreenCapture(w.callCtx, w.descriptor.Serial)
	if ctx.Err() != nil {
		w.log.Debug("discarding capture finished after stop")
		return
	}
	if err != nil {
		w.log.Error("failed to capture frame", "error", err)
		w.stats.recordFailure(err.Error())
		return
	}
	if !result.OK() || len(result.Stdout) == 0 {
		stderr := strings.TrimSpace(strings.ToValidUTF8(string(result.Stderr), ""))
		w.log.Error("failed to capture frame",
			"exit_code", result.ExitCode,
			"stderr", stderr)
		if stderr == "" {
			stderr = "empty capture"
		}
		w.stats.recordFailure(stderr)
		return
	}

	ts := w.now().UTC()
	w.queue.Push(models.FrameEvent{
		Device:    w.descriptor,
		Data:      adb.NormalizeFrame(result.Stdout),
		Timestamp: ts,
	})
	w.stats.recordFrame(ts)
}
