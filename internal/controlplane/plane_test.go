package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/hostd/internal/config"
)

func dial(t *testing.T, srv *httptest.Server, namespace string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket/" + namespace
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn, cmd Command) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != cmd.ResponseEvent() {
		t.Fatalf("event = %q", frame.Event)
	}
	var resp Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.plane.debounce = 100 * time.Millisecond
	f.run(t)
	srv := httptest.NewServer(f.plane.Handler())
	defer srv.Close()

	conn := dial(t, srv, testGroup)
	if err := conn.WriteMessage(websocket.TextMessage, encodeRequest(t, CmdRegister, testSecret, testGroup, nil)); err != nil {
		t.Fatal(err)
	}
	resp := readResponse(t, conn, CmdRegister)
	var reg RegisterData
	if err := json.Unmarshal(resp.Data, &reg); err != nil || reg.ConnectionID == "" {
		t.Fatalf("register = %s (%v)", resp.Data, err)
	}
	if f.plane.ClientCount() != 1 {
		t.Fatalf("clients = %d", f.plane.ClientCount())
	}

	if err := conn.WriteMessage(websocket.TextMessage, encodeRequest(t, CmdServerReset, testSecret, testGroup, nil)); err != nil {
		t.Fatal(err)
	}
	if resp := readResponse(t, conn, CmdServerReset); !resp.RequestComplete {
		t.Fatalf("ack = %+v", resp)
	}
	acked := time.Now()
	select {
	case at := <-f.restarter.calls:
		if at.Before(acked) {
			t.Fatal("restart preceded the ack")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restart never fired")
	}
}

func TestWebSocketGroupMismatchGetsNoResponse(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	srv := httptest.NewServer(f.plane.Handler())
	defer srv.Close()

	conn := dial(t, srv, testGroup)
	frame := encodeRequest(t, CmdConfigSave, testSecret, "other-group", config.ServerConfig{})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected emission %s", raw)
	}
	if f.store.setCount() != 0 {
		t.Fatal("config saved")
	}
}

func TestOriginChecker(t *testing.T) {
	allowed := originChecker("https://admin.example.com")
	tests := map[string]bool{
		"":                          true,
		"http://localhost:3000":     true,
		"http://127.0.0.1:9999":     true,
		"https://admin.example.com": true,
		"https://evil.example.com":  false,
		"http://admin.example.com":  false,
		"::not a url":               false,
	}
	for origin, want := range tests {
		if got := allowed(origin); got != want {
			t.Errorf("allowed(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestStoppedPlaneReleasesConnections(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.plane.Run(ctx)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	upgraded := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.plane.Handler().ServeHTTP(w, r)
		upgraded <- struct{}{}
	}))
	defer srv.Close()
	conn := dial(t, srv, testGroup)
	select {
	case <-upgraded:
	case <-time.After(3 * time.Second):
		t.Fatal("upgrade after shutdown blocked")
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection accepted after shutdown")
	}

	read := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	pumpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &Client{id: "late", conn: c, send: make(chan []byte, 1), plane: f.plane}
		client.readPump(context.Background())
		read <- struct{}{}
	}))
	defer pumpSrv.Close()
	dial(t, pumpSrv, testGroup).Close()
	select {
	case <-read:
	case <-time.After(3 * time.Second):
		t.Fatal("read pump blocked on unregister after shutdown")
	}
}
