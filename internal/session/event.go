// Package session captures ordered operation-call events for replay and
// delivers them to a session backend over HTTP.
//
// A Tracker moves through pending, active, completing, and closed states.
// Event capture is non-blocking for callers; delivery happens in a
// background flush loop so backend latency never shows up in call latency.
package session

import "time"

// EventType classifies a captured session event.
type EventType string

const (
	EventToolCall      EventType = "tool_call"
	EventToolResponse  EventType = "tool_response"
	EventResourceRead  EventType = "resource_read"
	EventResourceList  EventType = "resource_list"
	EventPromptGet     EventType = "prompt_get"
	EventPromptList    EventType = "prompt_list"
	EventError         EventType = "error"
	EventUserInput     EventType = "user_input"
	EventSystemMessage EventType = "system_message"
)

// ErrorData describes a handler failure attached to an error event.
type ErrorData struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stack   string `json:"stack,omitempty"`
}

// Event is one captured step in a session. ToolName and ResourceURI are
// mutually exclusive; exactly one is set for operation events.
type Event struct {
	Timestamp   time.Time
	Type        EventType
	ToolName    string
	ResourceURI string

	// Input and Output are sanitized snapshots of the call arguments and
	// result, when capture is enabled.
	Input  map[string]any
	Output map[string]any

	Error *ErrorData

	// DurationMS is set on completion events (tool_response, error).
	DurationMS *float64

	Metadata map[string]any
}

// DurationMillis is a convenience for populating Event.DurationMS.
func DurationMillis(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}
