package rebuild

import (
	"context"
	"errors"
	"sync"

	"github.com/nupi-ai/hostd/internal/eventbus"
)

// Status is the serving state of the host.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusRebuilding Status = "rebuilding"
	StatusOnline     Status = "online"
	StatusAdmin      Status = "admin"
)

var (
	// ErrRebuildInProgress is returned when a build is requested while one runs.
	ErrRebuildInProgress = errors.New("rebuild: rebuild already in progress")
	// ErrAdminLatched is returned when a build is requested in Admin without a reset.
	ErrAdminLatched = errors.New("rebuild: server is in admin state, reset required")
	// ErrBootFailed marks failures of boot or config section workers. The
	// host cannot serve without them.
	ErrBootFailed = errors.New("rebuild: required worker failed")
)

// busy reports whether s is one of the states that refuse further
// Rebuilding or Admin requests.
func (s Status) busy() bool {
	return s == StatusRebuilding || s == StatusAdmin
}

// StatusMachine owns the current Status. Every transition is a single
// check-and-set under one mutex.
type StatusMachine struct {
	mu      sync.Mutex
	status  Status
	lastErr *eventbus.ErrorInfo
	bus     *eventbus.Bus
}

// NewStatusMachine starts in StatusUnknown. Transitions are published on bus
// when it is not nil.
func NewStatusMachine(bus *eventbus.Bus) *StatusMachine {
	return &StatusMachine{status: StatusUnknown, bus: bus}
}

// Current returns the current status.
func (m *StatusMachine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns the current status and the error recorded with it.
func (m *StatusMachine) Snapshot() (Status, *eventbus.ErrorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.lastErr
}

// Request moves to status to on behalf of a caller outside the pipeline.
// Entering Rebuilding or Admin while in either is a no-op reported as false.
func (m *StatusMachine) Request(to Status, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to.busy() && m.status.busy() {
		return false
	}
	m.applyLocked(to, cause)
	return true
}

// ClearAdmin leaves Admin for Unknown. It reports false in any other state.
func (m *StatusMachine) ClearAdmin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusAdmin {
		return false
	}
	m.applyLocked(StatusUnknown, nil)
	return true
}

// force applies a pipeline transition unconditionally.
func (m *StatusMachine) force(to Status, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(to, cause)
}

func (m *StatusMachine) applyLocked(to Status, cause error) {
	prev := m.status
	m.status = to
	m.lastErr = SerializeError(cause)
	if prev == to && cause == nil {
		return
	}
	eventbus.Publish(context.Background(), m.bus, eventbus.Host.Status, eventbus.SourceOrchestrator, eventbus.StatusEvent{
		Status:   string(to),
		Previous: string(prev),
		Error:    m.lastErr,
	})
}

// SerializeError flattens err into its message and the messages of every
// wrapped cause, outermost first. A nil error yields nil.
func SerializeError(err error) *eventbus.ErrorInfo {
	if err == nil {
		return nil
	}
	info := &eventbus.ErrorInfo{Message: err.Error()}
	var walk func(error)
	walk = func(e error) {
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				info.Chain = append(info.Chain, next.Error())
				walk(next)
			}
		case interface{ Unwrap() []error }:
			for _, next := range u.Unwrap() {
				if next != nil {
					info.Chain = append(info.Chain, next.Error())
					walk(next)
				}
			}
		}
	}
	walk(err)
	return info
}
