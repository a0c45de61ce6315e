package domain

import "time"

// EventType is the closed set of admin event kinds exchanged between
// master and slaves. Unknown kinds are rejected at dispatch, not invented
// at runtime.
type EventType string

const (
	EventStartClient        EventType = "start-client"
	EventStartMaster        EventType = "start-master"
	EventStopClient         EventType = "stop-client"
	EventLoginPermitted     EventType = "login-permitted"
	EventLoginNotPermitted  EventType = "login-not-permitted"
	EventKillProcess        EventType = "kill-process"
	EventUpdateConfig       EventType = "update-config"
	EventUpdateLoginMapping EventType = "update-login-mapping"
	EventProcessStart       EventType = "process-start"
	EventProhibitedProcess  EventType = "prohibited-process"
	EventProcessDowntime    EventType = "process-downtime"
	EventProcessEnd         EventType = "process-end"
)

// TargetsHost reports whether the event is an action addressed to a
// specific host rather than information flowing toward the master.
func (t EventType) TargetsHost() bool {
	switch t {
	case EventKillProcess, EventUpdateConfig, EventUpdateLoginMapping,
		EventLoginPermitted, EventLoginNotPermitted:
		return true
	}
	return false
}

// ForMaster reports whether a pass-through event is consumed on the
// master node.
func (t EventType) ForMaster() bool {
	switch t {
	case EventProcessStart, EventProcessEnd, EventProcessDowntime,
		EventProhibitedProcess, EventStartClient, EventStopClient:
		return true
	}
	return false
}

// Known reports whether the type is part of the closed event set.
func (t EventType) Known() bool {
	switch t {
	case EventStartClient, EventStartMaster, EventStopClient,
		EventLoginPermitted, EventLoginNotPermitted, EventKillProcess,
		EventUpdateConfig, EventUpdateLoginMapping, EventProcessStart,
		EventProhibitedProcess, EventProcessDowntime, EventProcessEnd:
		return true
	}
	return false
}

// AdminEvent is the wire and queue unit of the synchronization protocol.
// Events are immutable once created except for the delay countdown.
// De-duplication identity, where applicable, is (Host, PID, ProcessStart).
type AdminEvent struct {
	Type         EventType `json:"type"`
	Host         string    `json:"host"`
	Username     string    `json:"username,omitempty"`
	PID          int       `json:"pid,omitempty"`
	ScannerID    string    `json:"scanner_id,omitempty"`
	ProcessName  string    `json:"process_name,omitempty"`
	EventTime    time.Time `json:"event_time"`
	ProcessStart time.Time `json:"process_start,omitempty"`
	Payload      string    `json:"payload,omitempty"`
	Downtime     int       `json:"downtime,omitempty"` // seconds
	Percent      int       `json:"percent,omitempty"`
	Delay        int       `json:"delay,omitempty"` // seconds before execution
}

// Key returns the process identity the event refers to.
func (e AdminEvent) Key() ProcessKey {
	return ProcessKey{Host: e.Host, PID: e.PID, StartUnix: e.ProcessStart.Unix()}
}

// Same reports whether two events are verbatim duplicates.
func (e AdminEvent) Same(other AdminEvent) bool {
	return e.Type == other.Type &&
		e.Host == other.Host &&
		e.Username == other.Username &&
		e.PID == other.PID &&
		e.ScannerID == other.ScannerID &&
		e.ProcessName == other.ProcessName &&
		e.EventTime.Equal(other.EventTime) &&
		e.ProcessStart.Equal(other.ProcessStart) &&
		e.Payload == other.Payload &&
		e.Downtime == other.Downtime &&
		e.Percent == other.Percent
}
