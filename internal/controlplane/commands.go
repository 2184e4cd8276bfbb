package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/rebuild"
)

// Call is one authenticated request being dispatched.
type Call struct {
	Command Command
	Client  *Client
	Request Request

	after []func()
}

// AfterReply schedules fn to run once the response has been queued.
func (c *Call) AfterReply(fn func()) { c.after = append(c.after, fn) }

// HandlerFunc serves one command. The returned value becomes Response.Data.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

var errNoConfigStore = errors.New("no config worker is loaded")

func (p *Plane) dispatchTable() map[Command]HandlerFunc {
	return map[Command]HandlerFunc{
		CmdAccessToken: p.handleAccessToken,
		CmdConfig:      p.handleConfig,
		CmdConfigSave:  p.handleConfigSave,
		CmdRegister:    p.handleRegister,
		CmdServerReset: p.handleServerReset,
		CmdStatus:      p.handleStatus,
		CmdStartLog:    p.handleStartLog,
		CmdStopLog:     p.handleStopLog,
		CmdURLList:     p.handleURLList,
	}
}

// handleFrame decodes, authenticates and dispatches one inbound frame.
// Frames that fail authentication get no response at all.
func (p *Plane) handleFrame(ctx context.Context, c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		p.logger.Printf("[ControlPlane] malformed frame from %s: %v", c.remote, err)
		return
	}
	cmd, ok := ParseRequestEvent(frame.Event)
	if !ok {
		p.logger.Printf("[ControlPlane] unknown event %q from %s", frame.Event, c.remote)
		return
	}
	var req Request
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			p.logger.Printf("[ControlPlane] malformed %s from %s: %v", frame.Event, c.remote, err)
			return
		}
	}
	if !p.authorized(c, req) {
		p.logger.Printf("[ControlPlane] WARNING: dropping %s from %s: secret or group mismatch", frame.Event, c.remote)
		p.audit(ctx, cmd, "rejected", c.remote)
		return
	}

	call := &Call{Command: cmd, Client: c, Request: req}
	data, err := p.handlers[cmd](ctx, call)

	resp := Response{GroupID: p.settings.GroupID, RequestComplete: err == nil}
	outcome := "ok"
	if err != nil {
		resp.RequestError = err.Error()
		outcome = "error"
		p.logger.Printf("[ControlPlane] %s failed: %v", cmd, err)
	} else if data != nil {
		encoded, merr := json.Marshal(data)
		if merr != nil {
			resp.RequestComplete = false
			resp.RequestError = merr.Error()
			outcome = "error"
		} else {
			resp.Data = encoded
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		p.logger.Printf("[ControlPlane] encode %s: %v", cmd.ResponseEvent(), err)
		return
	}
	out, err := json.Marshal(Frame{Event: cmd.ResponseEvent(), Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(out)
	p.audit(ctx, cmd, outcome, c.remote)

	for _, fn := range call.after {
		fn()
	}
}

func (p *Plane) audit(ctx context.Context, cmd Command, outcome, remote string) {
	eventbus.Publish(ctx, p.bus, eventbus.Control.Audit, eventbus.SourceControlPlane, eventbus.ControlAuditEvent{
		Command: string(cmd),
		Outcome: outcome,
		Remote:  remote,
	})
}

func decodeData(call *Call, v any) error {
	if len(call.Request.Data) == 0 {
		return fmt.Errorf("%s requires data", call.Command.RequestEvent())
	}
	if err := json.Unmarshal(call.Request.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", call.Command.RequestEvent(), err)
	}
	return nil
}

func (p *Plane) handleAccessToken(_ context.Context, call *Call) (any, error) {
	token, expires, err := IssueAccessToken(p.settings.Secret, p.settings.GroupID, call.Client.id, p.tokenTTL, time.Now())
	if err != nil {
		return nil, err
	}
	return TokenData{Token: token, ExpiresAt: expires}, nil
}

func (p *Plane) handleConfig(ctx context.Context, _ *Call) (any, error) {
	if p.config == nil {
		return nil, errNoConfigStore
	}
	cfg, err := p.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// handleConfigSave validates the submitted document, carries the current
// system variables over and persists the result. The config watcher picks
// the new revision up and triggers the rebuild.
func (p *Plane) handleConfigSave(ctx context.Context, call *Call) (any, error) {
	if p.config == nil {
		return nil, errNoConfigStore
	}
	var incoming config.ServerConfig
	if err := decodeData(call, &incoming); err != nil {
		return nil, err
	}
	incoming.Env = config.NormalizeEnv(incoming.Env)

	current, err := p.config.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current config: %w", err)
	}
	merged := config.PreserveSystem(current, incoming)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	saved, err := p.config.Set(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	return ConfigSaveData{Saved: saved}, nil
}

func (p *Plane) handleRegister(_ context.Context, call *Call) (any, error) {
	data := RegisterData{
		ConnectionID: call.Client.id,
		GroupID:      p.settings.GroupID,
		Instance:     p.settings.Instance,
		Version:      p.version,
	}
	if p.status != nil {
		data.Status, _ = p.status.Snapshot()
	}
	return data, nil
}

// handleServerReset acknowledges first. After the debounce the reset is
// announced to the whole group, this host included. Resets arriving while
// one is pending are acknowledged and folded into it.
func (p *Plane) handleServerReset(_ context.Context, call *Call) (any, error) {
	p.resetMu.Lock()
	pending := p.resetPending
	p.resetPending = true
	p.resetMu.Unlock()
	if pending {
		return nil, nil
	}

	notice := resetNotice{Origin: p.instanceID, Client: call.Client.id}
	call.AfterReply(func() {
		time.AfterFunc(p.debounce, func() {
			p.resetMu.Lock()
			p.resetPending = false
			p.resetMu.Unlock()

			notice.At = time.Now().UTC()
			payload, err := json.Marshal(notice)
			if err == nil {
				err = p.broker.Publish(context.Background(), channelReset, payload)
			}
			if err != nil {
				p.logger.Printf("[ControlPlane] cluster reset emit failed, restarting locally: %v", err)
				p.restart(context.Background())
			}
		})
	})
	return nil, nil
}

func (p *Plane) handleStatus(_ context.Context, _ *Call) (any, error) {
	if p.status == nil {
		return StatusData{Status: rebuild.StatusUnknown}, nil
	}
	status, info := p.status.Snapshot()
	return StatusData{Status: status, Error: info}, nil
}

func (p *Plane) handleStartLog(_ context.Context, call *Call) (any, error) {
	p.join(call.Client, roomLog)
	return nil, nil
}

func (p *Plane) handleStopLog(_ context.Context, call *Call) (any, error) {
	p.leave(call.Client, roomLog)
	return nil, nil
}

func (p *Plane) handleURLList(_ context.Context, _ *Call) (any, error) {
	data := URLListData{BaseURL: p.settings.WebURL, Routes: []string{}}
	if p.status != nil {
		data.Routes = p.status.Routes()
	}
	return data, nil
}
