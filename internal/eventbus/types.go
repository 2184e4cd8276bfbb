package eventbus

import (
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicHostStatus    Topic = "host.status"
	TopicHostLog       Topic = "host.log"
	TopicRebuildDone   Topic = "rebuild.done"
	TopicConfigChanged Topic = "config.changed"
	TopicControlAudit  Topic = "control.audit"
)

// Source describes which component produced an event.
type Source string

const (
	SourceOrchestrator  Source = "orchestrator"
	SourceControlPlane  Source = "control_plane"
	SourceLogFanout     Source = "log_fanout"
	SourceConfigWatcher Source = "config_watcher"
	SourceUnknown       Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// ErrorInfo is a serialized error: its message and the messages of every
// wrapped cause, outermost first.
type ErrorInfo struct {
	Message string   `json:"message"`
	Chain   []string `json:"chain,omitempty"`
}

// StatusEvent reports a server status transition.
type StatusEvent struct {
	Status   string
	Previous string
	Error    *ErrorInfo
}

// LogLevel indicates severity of a host log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEvent carries one host log line.
type LogEvent struct {
	Level     LogLevel
	Message   string
	Timestamp time.Time
}

// RebuildEvent summarises a finished rebuild.
type RebuildEvent struct {
	Duration time.Duration
	Routes   []string
	Error    *ErrorInfo
}

// ConfigChangedEvent reports a new revision of the stored ServerConfig.
type ConfigChangedEvent struct {
	Worker   string
	Revision int64
}

// ControlAuditEvent records one control-plane command outcome.
type ControlAuditEvent struct {
	Command string
	Outcome string
	Remote  string
}

// Host groups host lifecycle topic descriptors.
var Host = struct {
	Status TopicDef[StatusEvent]
	Log    TopicDef[LogEvent]
}{
	Status: NewTopicDef[StatusEvent](TopicHostStatus),
	Log:    NewTopicDef[LogEvent](TopicHostLog),
}

// Rebuild groups rebuild pipeline topic descriptors.
var Rebuild = struct {
	Done TopicDef[RebuildEvent]
}{
	Done: NewTopicDef[RebuildEvent](TopicRebuildDone),
}

// Config groups configuration topic descriptors.
var Config = struct {
	Changed TopicDef[ConfigChangedEvent]
}{
	Changed: NewTopicDef[ConfigChangedEvent](TopicConfigChanged),
}

// Control groups control-plane topic descriptors.
var Control = struct {
	Audit TopicDef[ControlAuditEvent]
}{
	Audit: NewTopicDef[ControlAuditEvent](TopicControlAudit),
}
