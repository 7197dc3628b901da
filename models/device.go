package models

import (
	"fmt"
	"time"
)

// DeviceDescriptor identifies a single emulator on the remote host.
// Port is -1 when it could not be derived from the serial.
type DeviceDescriptor struct {
	Serial string `json:"serial"` // e.g. emulator-5554
	Port   int    `json:"port"`
}

// FrameEvent is one captured screen image for a device.
type FrameEvent struct {
	Device    DeviceDescriptor `json:"device"`
	Data      []byte           `json:"-"` // PNG bytes, owned by the event
	Timestamp time.Time        `json:"timestamp"`
}

// RunResult is the outcome of one remote command execution
type RunResult struct {
	Command  string `json:"command"`
	Stdout   []byte `json:"-"`
	Stderr   []byte `json:"-"`
	ExitCode int    `json:"exit_code"`
}

// OK reports whether the command exited with status zero.
func (r RunResult) OK() bool {
	return r.ExitCode == 0
}

// SSHHost is a host entry discovered from the user's SSH config
type SSHHost struct {
	Alias        string `json:"alias"`
	Hostname     string `json:"hostname"`
	User         string `json:"user,omitempty"`
	Port         int    `json:"port"`
	IdentityFile string `json:"identity_file,omitempty"`
}

// DisplayName renders the host as "alias (user@hostname:port)".
func (h SSHHost) DisplayName() string {
	userPrefix := ""
	if h.User != "" {
		userPrefix = h.User + "@"
	}
	return fmt.Sprintf("%s (%s%s:%d)", h.Alias, userPrefix, h.Hostname, h.Port)
}

// DeviceSighting records that a serial was listed on a host
type DeviceSighting struct {
	HostAlias string `json:"host_alias"`
	Serial    string `json:"serial"`
	Port      int    `json:"port"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}
