package rebuild

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nupi-ai/hostd/internal/eventbus"
)

func TestRebuildingToRebuildingIsNoop(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Host.Status)
	defer sub.Close()

	m := NewStatusMachine(bus)
	if !m.Request(StatusRebuilding, nil) {
		t.Fatal("first request refused")
	}
	if m.Request(StatusRebuilding, nil) {
		t.Fatal("second rebuilding request applied")
	}
	if m.Request(StatusAdmin, errors.New("x")) {
		t.Fatal("admin request applied while rebuilding")
	}
	if got := m.Current(); got != StatusRebuilding {
		t.Fatalf("status = %s", got)
	}

	select {
	case env := <-sub.C():
		if env.Payload.Status != string(StatusRebuilding) || env.Payload.Previous != string(StatusUnknown) {
			t.Fatalf("unexpected event %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected second event %+v", env.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdminLatch(t *testing.T) {
	m := NewStatusMachine(nil)
	m.force(StatusAdmin, errors.New("boom"))

	if m.Request(StatusRebuilding, nil) {
		t.Fatal("rebuilding request applied in admin")
	}
	status, info := m.Snapshot()
	if status != StatusAdmin || info == nil || info.Message != "boom" {
		t.Fatalf("snapshot = %s %+v", status, info)
	}
	if !m.ClearAdmin() || m.Current() != StatusUnknown {
		t.Fatalf("ClearAdmin left %s", m.Current())
	}
	if m.ClearAdmin() {
		t.Fatal("ClearAdmin outside admin reported true")
	}
	if !m.Request(StatusRebuilding, nil) {
		t.Fatal("rebuilding refused after clear")
	}
}

func TestSerializeError(t *testing.T) {
	if SerializeError(nil) != nil {
		t.Fatal("nil error serialized")
	}

	root := errors.New("connection refused")
	err := fmt.Errorf("rebuild: %w", fmt.Errorf("schema: introspect %q: %w", "main", root))
	info := SerializeError(err)
	if info.Message != err.Error() {
		t.Fatalf("message = %q", info.Message)
	}
	want := []string{`schema: introspect "main": connection refused`, "connection refused"}
	if len(info.Chain) != len(want) || info.Chain[0] != want[0] || info.Chain[1] != want[1] {
		t.Fatalf("chain = %q", info.Chain)
	}

	joined := SerializeError(errors.Join(errors.New("a"), errors.New("b")))
	if len(joined.Chain) != 2 {
		t.Fatalf("joined chain = %q", joined.Chain)
	}
}
