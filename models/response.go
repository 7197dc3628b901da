package models

import "time"

// APIResponse is the JSON envelope for every HTTP endpoint
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

func ErrorResponse(err error) APIResponse {
	return APIResponse{Success: false, Error: err.Error()}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{Success: true, Message: message}
}

// StreamStats describes one capture worker for status endpoints
type StreamStats struct {
	Serial         string    `json:"serial"`
	State          string    `json:"state"`
	FramesCaptured uint64    `json:"frames_captured"`
	Failures       uint64    `json:"failures"`
	LastError      string    `json:"last_error,omitempty"`
	LastFrameAt    time.Time `json:"last_frame_at,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// SessionInfo describes the live SSH session
type SessionInfo struct {
	ID          string    `json:"id"`
	Host        SSHHost   `json:"host"`
	ConnectedAt time.Time `json:"connected_at"`
	Streams     []string  `json:"streams"`
	FramesQueue int       `json:"frames_queued"`
	FramesDrop  uint64    `json:"frames_dropped"`
}
