package adb

import (
	"context"
	"fmt"
	"strings"
)

// SendTap sends a tap event to the device
func (c *ADBClient) SendTap(ctx context.Context, serial string, x, y int) error {
	return c.shellInput(ctx, serial, "tap", fmt.Sprintf("%d %d", x, y))
}

// SendSwipe sends a swipe gesture to the device
func (c *ADBClient) SendSwipe(ctx context.Context, serial string, x1, y1, x2, y2, duration int) error {
	return c.shellInput(ctx, serial, "swipe", fmt.Sprintf("%d %d %d %d %d", x1, y1, x2, y2, duration))
}

// SendText sends text input to the device. Spaces become %s, which is
// how `input text` expects them.
func (c *ADBClient) SendText(ctx context.Context, serial, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	return c.shellInput(ctx, serial, "text", shellQuote(shellQuote(escaped)))
}

// SendKey sends a key event to the device
func (c *ADBClient) SendKey(ctx context.Context, serial string, keycode int) error {
	return c.shellInput(ctx, serial, "keyevent", fmt.Sprintf("%d", keycode))
}

func (c *ADBClient) shellInput(ctx context.Context, serial, kind, args string) error {
	command := fmt.Sprintf("%s -s %s shell input %s %s", c.ADBPath, shellQuote(serial), kind, args)
	result, err := c.exec.Execute(ctx, command, DefaultInputTimeout)
	if err != nil {
		return fmt.Errorf("%s failed: %w", kind, err)
	}
	if !result.OK() {
		return fmt.Errorf("%s failed: exit %d: %s", kind, result.ExitCode, strings.TrimSpace(decodeLossy(result.Stderr)))
	}
	return nil
}
