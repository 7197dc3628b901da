package models

type Action struct {
	ID        string                 `json:"id"`
	Serial    string                 `json:"serial"`
	Type      string                 `json:"type"` // tap, swipe, input, key
	Params    map[string]interface{} `json:"params"`
	Timestamp int64                  `json:"timestamp"`
	Status    string                 `json:"status"` // pending, executing, done, failed
	Result    string                 `json:"result,omitempty"`
}

type ActionRequest struct {
	Serials []string   `json:"serials,omitempty"` // For batch operations
	Action  ActionData `json:"action"`
}

type ActionData struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params"`
}

// Action lifecycle states
const (
	ActionPending   = "pending"
	ActionExecuting = "executing"
	ActionDone      = "done"
	ActionFailed    = "failed"
)
