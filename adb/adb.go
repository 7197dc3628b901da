// Package adb builds adb command lines and interprets their output. The
// commands run on the emulator host through a remote.Executor; nothing
// here talks to a device directly.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"emulatorwatch/models"
	"emulatorwatch/remote"
)

const (
	// DefaultADBPath assumes adb is on the remote PATH.
	DefaultADBPath        = "adb"
	DefaultListTimeout    = 10 * time.Second
	DefaultCaptureTimeout = 20 * time.Second
	DefaultInputTimeout   = 10 * time.Second

	emulatorPrefix = "emulator-"
	onlineState    = "device"
)

// ADBClient runs adb on the emulator host through an Executor
type ADBClient struct {
	ADBPath        string
	ListTimeout    time.Duration
	CaptureTimeout time.Duration

	exec remote.Executor
	log  *slog.Logger
}

// NewADBClient creates a client that issues adb commands through exec
func NewADBClient(exec remote.Executor, adbPath string, logger *slog.Logger) *ADBClient {
	if adbPath == "" {
		adbPath = DefaultADBPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ADBClient{
		ADBPath:        adbPath,
		ListTimeout:    DefaultListTimeout,
		CaptureTimeout: DefaultCaptureTimeout,
		exec:           exec,
		log:            logger,
	}
}

// ListDevicesCommand is issued verbatim to enumerate attached devices.
func (c *ADBClient) ListDevicesCommand() string {
	return c.ADBPath + " devices"
}

// CaptureCommand grabs one PNG screenshot of serial on stdout.
func (c *ADBClient) CaptureCommand(serial string) string {
	return fmt.Sprintf("%s -s %s exec-out screencap -p", c.ADBPath, shellQuote(serial))
}

// ListDevices returns the online emulators on the remote host.
// A failing adb invocation is logged and yields an empty list; only a
// transport failure is returned as an error.
func (c *ADBClient) ListDevices(ctx context.Context) ([]models.DeviceDescriptor, error) {
	result, err := c.exec.Execute(ctx, c.ListDevicesCommand(), c.ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if !result.OK() {
		c.log.Warn("adb devices failed",
			"exit_code", result.ExitCode,
			"stderr", decodeLossy(result.Stderr))
		return []models.DeviceDescriptor{}, nil
	}
	return ParseDeviceList(result.Stdout), nil
}

// ParseDeviceList parses the output of 'adb devices'. The first line is
// the header. Only "<emulator-N> device" lines with exactly two fields
// are kept; everything else is skipped.
func ParseDeviceList(output []byte) []models.DeviceDescriptor {
	devices := []models.DeviceDescriptor{}
	lines := strings.Split(decodeLossy(output), "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" || !strings.Contains(line, onlineState) {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		serial, state := parts[0], parts[1]
		if !strings.HasPrefix(serial, emulatorPrefix) || state != onlineState {
			continue
		}

		devices = append(devices, models.DeviceDescriptor{
			Serial: serial,
			Port:   SerialToPort(serial),
		})
	}
	return devices
}

// SerialToPort parses the console port out of "emulator-<port>".
// Returns -1 when the suffix is not an integer.
func SerialToPort(serial string) int {
	_, suffix, found := strings.Cut(serial, "-")
	if !found {
		suffix = serial
	}
	port, err := strconv.Atoi(suffix)
	if err != nil {
		return -1
	}
	return port
}

var crcrlf = []byte("\r\r\n")

// NormalizeFrame undoes the CR CR LF expansion some remote shells apply
// to binary stdout. The input is not modified.
func NormalizeFrame(raw []byte) []byte {
	if !bytes.Contains(raw, crcrlf) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	return bytes.ReplaceAll(raw, crcrlf, []byte("\n"))
}

// ScreenCapture runs one screencap for serial and returns the raw result.
// Callers decide what a failed capture means.
func (c *ADBClient) ScreenCapture(ctx context.Context, serial string) (models.RunResult, error) {
	return c.exec.Execute(ctx, c.CaptureCommand(serial), c.CaptureTimeout)
}

// decodeLossy turns adb output into text, dropping invalid UTF-8.
func decodeLossy(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

// shellQuote leaves plain tokens alone and single-quotes anything else.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_.:/@%+=,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
