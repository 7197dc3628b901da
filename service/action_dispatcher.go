package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"emulatorwatch/models"
)

var (
	ErrQueueFull        = errors.New("action queue full")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDispatcherClosed = errors.New("action dispatcher closed")
)

const (
	actionQueueSize = 100
	// actionHistoryLimit caps how many finished actions GetAction remembers.
	actionHistoryLimit = 500
)

// InputSender is the subset of the adb client the dispatcher drives.
type InputSender interface {
	SendTap(ctx context.Context, serial string, x, y int) error
	SendSwipe(ctx context.Context, serial string, x1, y1, x2, y2, duration int) error
	SendText(ctx context.Context, serial, text string) error
	SendKey(ctx context.Context, serial string, keycode int) error
}

// ActionDispatcher runs input actions one at a time in submission order.
type ActionDispatcher struct {
	devices *DeviceManager
	input   InputSender
	log     *slog.Logger

	actionQueue chan *models.Action
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.Mutex
	actions map[string]*models.Action
	// finished lists completed action ids, oldest first.
	finished     []string
	historyLimit int
	closed       bool
}

func NewActionDispatcher(dm *DeviceManager, input InputSender, logger *slog.Logger) *ActionDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &ActionDispatcher{
		devices:     dm,
		input:       input,
		log:         logger,
		actionQueue: make(chan *models.Action, actionQueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		actions:      make(map[string]*models.Action),
		historyLimit: actionHistoryLimit,
	}

	// Start action queue processor
	go d.processActionQueue()

	return d
}

// DispatchToDevice queues an action for a single device and returns a
// snapshot of it in the pending state.
func (d *ActionDispatcher) DispatchToDevice(serial string, data models.ActionData) (models.Action, error) {
	if _, ok := d.devices.GetDevice(serial); !ok {
		return models.Action{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}

	action := &models.Action{
		ID:        uuid.NewString(),
		Serial:    serial,
		Type:      data.Type,
		Params:    data.Params,
		Timestamp: time.Now().Unix(),
		Status:    models.ActionPending,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return models.Action{}, ErrDispatcherClosed
	}

	select {
	case d.actionQueue <- action:
		d.actions[action.ID] = action
		return *action, nil
	default:
		return models.Action{}, ErrQueueFull
	}
}

// DispatchBatch queues the same action for several devices. Devices that
// cannot accept it are logged and skipped.
func (d *ActionDispatcher) DispatchBatch(serials []string, data models.ActionData) []models.Action {
	actions := make([]models.Action, 0, len(serials))
	for _, serial := range serials {
		action, err := d.DispatchToDevice(serial, data)
		if err != nil {
			d.log.Warn("failed to dispatch action", "serial", serial, "type", data.Type, "error", err)
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// GetAction returns a snapshot of a dispatched action
func (d *ActionDispatcher) GetAction(id string) (models.Action, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actions[id]
	if !ok {
		return models.Action{}, false
	}
	return *a, true
}

// Close stops accepting actions, abandons queued ones and waits for the
// processor to exit.
func (d *ActionDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.actionQueue)
	d.mu.Unlock()

	d.cancel()
	<-d.done
}

func (d *ActionDispatcher) processActionQueue() {
	defer close(d.done)
	for action := range d.actionQueue {
		if d.ctx.Err() != nil {
			d.finish(action, d.ctx.Err())
			continue
		}
		d.setStatus(action, models.ActionExecuting, "")
		err := d.executeAction(d.ctx, action)
		d.finish(action, err)
	}
}

func (d *ActionDispatcher) finish(action *models.Action, err error) {
	status, result := models.ActionDone, "success"
	if err != nil {
		d.log.Warn("action failed", "id", action.ID, "serial", action.Serial, "type", action.Type, "error", err)
		status, result = models.ActionFailed, err.Error()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	action.Status = status
	action.Result = result
	d.finished = append(d.finished, action.ID)
	for len(d.finished) > d.historyLimit {
		delete(d.actions, d.finished[0])
		d.finished = d.finished[1:]
	}
}

func (d *ActionDispatcher) setStatus(action *models.Action, status, result string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	action.Status = status
	action.Result = result
}

// executeAction runs a single action through adb
func (d *ActionDispatcher) executeAction(ctx context.Context, action *models.Action) error {
	p := action.Params
	switch action.Type {
	case "tap":
		x, y, err := intPair(p, "x", "y")
		if err != nil {
			return err
		}
		return d.input.SendTap(ctx, action.Serial, x, y)

	case "swipe":
		x1, y1, err := intPair(p, "x1", "y1")
		if err != nil {
			return err
		}
		x2, y2, err := intPair(p, "x2", "y2")
		if err != nil {
			return err
		}
		duration := 300 // default
		if _, ok := p["duration"]; ok {
			if duration, err = intParam(p, "duration"); err != nil {
				return err
			}
		}
		return d.input.SendSwipe(ctx, action.Serial, x1, y1, x2, y2, duration)

	case "input":
		text, ok := p["text"].(string)
		if !ok {
			return fmt.Errorf("missing string param %q", "text")
		}
		return d.input.SendText(ctx, action.Serial, text)

	case "key":
		keycode, err := intParam(p, "keycode")
		if err != nil {
			return err
		}
		return d.input.SendKey(ctx, action.Serial, keycode)

	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func intPair(p map[string]interface{}, a, b string) (int, int, error) {
	x, err := intParam(p, a)
	if err != nil {
		return 0, 0, err
	}
	y, err := intParam(p, b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// intParam reads a numeric param; JSON decoding yields float64.
func intParam(p map[string]interface{}, key string) (int, error) {
	switch v := p[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("missing numeric param %q", key)
	}
}
