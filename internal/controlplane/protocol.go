package controlplane

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/rebuild"
)

// Command names one control-plane operation. On the wire a command travels
// as "<Command>Request" and is answered with "<Command>Response".
type Command string

const (
	CmdAccessToken Command = "AccessToken"
	CmdConfig      Command = "Config"
	CmdConfigSave  Command = "ConfigSave"
	CmdRegister    Command = "Register"
	CmdServerReset Command = "ServerReset"
	CmdStatus      Command = "Status"
	CmdStartLog    Command = "StartLog"
	CmdStopLog     Command = "StopLog"
	CmdURLList     Command = "UrlList"
)

// Commands lists every supported command.
func Commands() []Command {
	return []Command{
		CmdAccessToken, CmdConfig, CmdConfigSave, CmdRegister, CmdServerReset,
		CmdStatus, CmdStartLog, CmdStopLog, CmdURLList,
	}
}

// RequestEvent returns the wire name of requests for c.
func (c Command) RequestEvent() string { return string(c) + "Request" }

// ResponseEvent returns the wire name of responses for c.
func (c Command) ResponseEvent() string { return string(c) + "Response" }

// ParseRequestEvent maps a wire event name back to its command.
func ParseRequestEvent(event string) (Command, bool) {
	name, ok := strings.CutSuffix(event, "Request")
	if !ok {
		return "", false
	}
	for _, c := range Commands() {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// EventLog carries one host log line to members of the log room.
const EventLog = "Log"

// Frame is one websocket message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is the payload of every request frame.
type Request struct {
	Secret  string          `json:"secret"`
	GroupID string          `json:"groupId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the payload of every response frame.
type Response struct {
	GroupID         string          `json:"groupId"`
	RequestComplete bool            `json:"requestComplete"`
	RequestError    string          `json:"requestError,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// TokenData answers AccessToken.
type TokenData struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterData answers Register.
type RegisterData struct {
	ConnectionID string         `json:"connectionId"`
	GroupID      string         `json:"groupId"`
	Instance     string         `json:"instance"`
	Version      string         `json:"version"`
	Status       rebuild.Status `json:"status"`
}

// StatusData answers Status.
type StatusData struct {
	Status rebuild.Status      `json:"status"`
	Error  *eventbus.ErrorInfo `json:"error,omitempty"`
}

// ConfigSaveData answers ConfigSave.
type ConfigSaveData struct {
	Saved bool `json:"saved"`
}

// URLListData answers UrlList.
type URLListData struct {
	BaseURL string   `json:"baseUrl"`
	Routes  []string `json:"routes"`
}

// LogData is the payload of EventLog frames.
type LogData struct {
	Instance  string    `json:"instance"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// resetNotice travels over the broker when any host of the group accepted a
// ServerReset.
type resetNotice struct {
	Origin string    `json:"origin"`
	Client string    `json:"client"`
	At     time.Time `json:"at"`
}
