package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nupi-ai/hostd/internal/broker"
	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/rebuild"
)

const (
	testGroup  = "edge"
	testSecret = "s3cret"
)

var quiet = log.New(io.Discard, "", 0)

type fakeStatus struct {
	status rebuild.Status
	info   *eventbus.ErrorInfo
	routes []string
}

func (f fakeStatus) Snapshot() (rebuild.Status, *eventbus.ErrorInfo) { return f.status, f.info }
func (f fakeStatus) Routes() []string                                { return f.routes }

type memStore struct {
	mu   sync.Mutex
	cfg  config.ServerConfig
	sets int
}

func (m *memStore) Get(context.Context) (config.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *memStore) Set(_ context.Context, cfg config.ServerConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.sets++
	return true, nil
}

func (m *memStore) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

type recordingRestarter struct {
	calls chan time.Time
}

func (r *recordingRestarter) Restart(context.Context) error {
	r.calls <- time.Now()
	return nil
}

type fixture struct {
	plane     *Plane
	store     *memStore
	restarter *recordingRestarter
	bus       *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New(eventbus.WithLogger(quiet))
	t.Cleanup(bus.Shutdown)
	store := &memStore{cfg: config.ServerConfig{
		Env: []config.EnvVar{
			{Key: config.EnvGroupID, Value: testGroup, System: true},
			{Key: "OLD", Value: "x"},
		},
	}}
	restarter := &recordingRestarter{calls: make(chan time.Time, 4)}
	p := New(Options{
		Settings: config.Settings{
			Instance: "test",
			GroupID:  testGroup,
			Secret:   testSecret,
			WebURL:   "http://localhost:8080",
		},
		Status:        fakeStatus{status: rebuild.StatusOnline, routes: []string{"/api/main", "/status"}},
		Config:        store,
		Restarter:     restarter,
		Broker:        broker.NewLocal(quiet),
		Bus:           bus,
		Logger:        quiet,
		Version:       "1.2.3",
		ResetDebounce: 50 * time.Millisecond,
	})
	return &fixture{plane: p, store: store, restarter: restarter, bus: bus}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.plane.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) client(group string) *Client {
	c := &Client{id: "client-1", group: group, remote: "test", send: make(chan []byte, 64), plane: f.plane}
	f.plane.mu.Lock()
	f.plane.clients[c] = true
	f.plane.mu.Unlock()
	return c
}

func encodeRequest(t *testing.T, cmd Command, secret, group string, data any) []byte {
	t.Helper()
	req := Request{Secret: secret, GroupID: group}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatal(err)
		}
		req.Data = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := json.Marshal(Frame{Event: cmd.RequestEvent(), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func (f *fixture) send(t *testing.T, c *Client, cmd Command, data any) {
	t.Helper()
	f.plane.handleFrame(context.Background(), c, encodeRequest(t, cmd, testSecret, testGroup, data))
}

func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("no frame")
	}
	return Frame{}
}

func nextResponse(t *testing.T, c *Client, cmd Command) Response {
	t.Helper()
	frame := nextFrame(t, c)
	if frame.Event != cmd.ResponseEvent() {
		t.Fatalf("event = %q, want %q", frame.Event, cmd.ResponseEvent())
	}
	var resp Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func expectSilence(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame %s", raw)
	case <-time.After(wait):
	}
}

func TestDispatchTableCoversEveryCommand(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range Commands() {
		if f.plane.handlers[cmd] == nil {
			t.Errorf("no handler for %s", cmd)
		}
		got, ok := ParseRequestEvent(cmd.RequestEvent())
		if !ok || got != cmd {
			t.Errorf("ParseRequestEvent(%q) = %q, %v", cmd.RequestEvent(), got, ok)
		}
	}
	for _, event := range []string{"StatusResponse", "Request", "RebootRequest", ""} {
		if _, ok := ParseRequestEvent(event); ok {
			t.Errorf("ParseRequestEvent(%q) accepted", event)
		}
	}
}

func TestMismatchedCredentialsAreDropped(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		group     string
		namespace string
	}{
		{"wrong secret", "nope", testGroup, testGroup},
		{"wrong group", testSecret, "other", testGroup},
		{"wrong namespace", testSecret, testGroup, "other"},
		{"empty secret", "", testGroup, testGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.client(tt.namespace)
			frame := encodeRequest(t, CmdConfigSave, tt.secret, tt.group, config.ServerConfig{})
			f.plane.handleFrame(context.Background(), c, frame)
			expectSilence(t, c, 100*time.Millisecond)
			if n := f.store.setCount(); n != 0 {
				t.Fatalf("config saved %d times", n)
			}
		})
	}
}

func TestHostWithoutSecretAcceptsNothing(t *testing.T) {
	f := newFixture(t)
	f.plane.settings.Secret = ""
	c := f.client(testGroup)
	f.plane.handleFrame(context.Background(), c, encodeRequest(t, CmdStatus, "", testGroup, nil))
	expectSilence(t, c, 100*time.Millisecond)
}

func TestConfigSavePreservesSystemVars(t *testing.T) {
	f := newFixture(t)
	c := f.client(testGroup)
	f.send(t, c, CmdConfigSave, config.ServerConfig{
		Env: []config.EnvVar{{Key: "NEW", Value: 1}},
		Workers: []config.WorkerConfig{
			{Name: "main", Type: "database", Enabled: true, Import: "builtin:sqlite"},
		},
	})

	resp := nextResponse(t, c, CmdConfigSave)
	if !resp.RequestComplete || resp.GroupID != testGroup {
		t.Fatalf("response = %+v", resp)
	}
	var data ConfigSaveData
	if err := json.Unmarshal(resp.Data, &data); err != nil || !data.Saved {
		t.Fatalf("data = %s (%v)", resp.Data, err)
	}

	saved, _ := f.store.Get(context.Background())
	env := saved.Environment()
	if v, ok := env.Lookup(config.EnvGroupID); !ok || !v.System || v.Value != testGroup {
		t.Fatalf("system var lost: %+v", saved.Env)
	}
	if _, ok := env.Lookup("OLD"); ok {
		t.Fatal("user var not replaced")
	}
	if v, ok := env.Lookup("NEW"); !ok || v.System {
		t.Fatalf("NEW = %+v", v)
	}
	if len(saved.Workers) != 1 {
		t.Fatalf("workers = %+v", saved.Workers)
	}
}

func TestConfigSaveRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	c := f.client(testGroup)
	f.send(t, c, CmdConfigSave, config.ServerConfig{
		Workers: []config.WorkerConfig{{Name: "main", Type: "database", Enabled: true}},
	})
	resp := nextResponse(t, c, CmdConfigSave)
	if resp.RequestComplete || resp.RequestError == "" {
		t.Fatalf("response = %+v", resp)
	}
	if f.store.setCount() != 0 {
		t.Fatal("invalid config persisted")
	}

	f.send(t, c, CmdConfigSave, nil)
	if resp := nextResponse(t, c, CmdConfigSave); resp.RequestComplete {
		t.Fatal("save without data succeeded")
	}
}

func TestServerResetAckPrecedesRestart(t *testing.T) {
	f := newFixture(t)
	f.plane.debounce = 300 * time.Millisecond
	f.run(t)
	c := f.client(testGroup)

	f.send(t, c, CmdServerReset, nil)
	if len(c.send) != 1 {
		t.Fatalf("ack not queued synchronously, %d frames", len(c.send))
	}
	select {
	case <-f.restarter.calls:
		t.Fatal("restart fired before the ack was read")
	default:
	}
	resp := nextResponse(t, c, CmdServerReset)
	acked := time.Now()
	if !resp.RequestComplete {
		t.Fatalf("ack = %+v", resp)
	}

	f.send(t, c, CmdServerReset, nil)
	if resp := nextResponse(t, c, CmdServerReset); !resp.RequestComplete {
		t.Fatalf("second ack = %+v", resp)
	}

	select {
	case at := <-f.restarter.calls:
		if at.Before(acked) {
			t.Fatal("restart preceded ack")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restart never fired")
	}
	select {
	case <-f.restarter.calls:
		t.Fatal("pending reset was not folded")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAccessTokenIsSignedWithSecret(t *testing.T) {
	f := newFixture(t)
	c := f.client(testGroup)
	f.send(t, c, CmdAccessToken, nil)

	resp := nextResponse(t, c, CmdAccessToken)
	var data TokenData
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("data = %s (%v)", resp.Data, err)
	}
	claims, err := ParseAccessToken(testSecret, data.Token)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if claims.Subject != c.id || claims.GroupID != testGroup {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := ParseAccessToken("other", data.Token); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestStatusRegisterAndURLList(t *testing.T) {
	f := newFixture(t)
	f.plane.status = fakeStatus{
		status: rebuild.StatusAdmin,
		info:   &eventbus.ErrorInfo{Message: "boom", Chain: []string{"boom"}},
		routes: []string{"/api/main"},
	}
	c := f.client(testGroup)

	f.send(t, c, CmdStatus, nil)
	var status StatusData
	if err := json.Unmarshal(nextResponse(t, c, CmdStatus).Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != rebuild.StatusAdmin || status.Error == nil || status.Error.Message != "boom" {
		t.Fatalf("status = %+v", status)
	}

	f.send(t, c, CmdRegister, nil)
	var reg RegisterData
	if err := json.Unmarshal(nextResponse(t, c, CmdRegister).Data, &reg); err != nil {
		t.Fatal(err)
	}
	if reg.ConnectionID != c.id || reg.Version != "1.2.3" || reg.GroupID != testGroup {
		t.Fatalf("register = %+v", reg)
	}

	f.send(t, c, CmdURLList, nil)
	var urls URLListData
	if err := json.Unmarshal(nextResponse(t, c, CmdURLList).Data, &urls); err != nil {
		t.Fatal(err)
	}
	if urls.BaseURL != "http://localhost:8080" || len(urls.Routes) != 1 {
		t.Fatalf("urls = %+v", urls)
	}
}

func TestLogRoom(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	c := f.client(testGroup)

	f.send(t, c, CmdStartLog, nil)
	if resp := nextResponse(t, c, CmdStartLog); !resp.RequestComplete {
		t.Fatalf("StartLog = %+v", resp)
	}

	publish := func(msg string) {
		eventbus.Publish(context.Background(), f.bus, eventbus.Host.Log, eventbus.SourceLogFanout, eventbus.LogEvent{
			Level: eventbus.LogLevelInfo, Message: msg, Timestamp: time.Now(),
		})
	}

	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var got LogData
wait:
	for {
		select {
		case raw := <-c.send:
			var frame Frame
			if err := json.Unmarshal(raw, &frame); err != nil || frame.Event != EventLog {
				t.Fatalf("frame = %s", raw)
			}
			if err := json.Unmarshal(frame.Payload, &got); err != nil {
				t.Fatal(err)
			}
			break wait
		case <-ticker.C:
			publish("hello")
		case <-deadline:
			t.Fatal("log line never reached the room")
		}
	}
	if got.Message != "hello" || got.Instance != "test" {
		t.Fatalf("log = %+v", got)
	}

	f.send(t, c, CmdStopLog, nil)
	for {
		frame := nextFrame(t, c)
		if frame.Event == CmdStopLog.ResponseEvent() {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)
	for len(c.send) > 0 {
		<-c.send
	}
	publish("after")
	expectSilence(t, c, 200*time.Millisecond)
}

func TestRequestErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	f.plane.config = nil
	c := f.client(testGroup)
	f.send(t, c, CmdConfig, nil)
	resp := nextResponse(t, c, CmdConfig)
	if resp.RequestComplete || !strings.Contains(resp.RequestError, "config worker") {
		t.Fatalf("response = %+v", resp)
	}
}
