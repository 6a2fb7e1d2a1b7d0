package pubsub

import "time"

// EventType identifies the type of event for type switches.
type EventType string

const (
	EventTypeAppStatus      EventType = "app_status"
	EventTypeLogLine        EventType = "log_line"
	EventTypeSignalUpdate   EventType = "signal_update"
	EventTypeThresholdBreach EventType = "threshold_breach"
	EventTypeHubConnection  EventType = "hub_connection"
)

// AppStatusEvent represents an Application lifecycle status change.
type AppStatusEvent struct {
	Type      EventType `json:"type"`
	AppID     string    `json:"app_id"`
	Status    string    `json:"status"` // enum.AppStatus value
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLineEvent carries one captured log line for Log Hub fan-out.
type LogLineEvent struct {
	Type      EventType `json:"type"`
	AppID     string    `json:"app_id"`
	Stream    string    `json:"stream"` // enum.StreamKind value
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalUpdateEvent notifies subscribers a vehicle signal value changed.
type SignalUpdateEvent struct {
	Type      EventType   `json:"type"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// ThresholdBreachEvent is a Resource Monitor alarm.
type ThresholdBreachEvent struct {
	Type      EventType `json:"type"`
	AppID     string    `json:"app_id"`
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"` // enum.AlarmSeverity value
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// HubConnectionEvent reports Hub Bridge connectivity transitions.
type HubConnectionEvent struct {
	Type      EventType `json:"type"`
	Connected bool      `json:"connected"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
