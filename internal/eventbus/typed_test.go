package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestTypedSubscription(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[StatusEvent](bus, TopicHostStatus)
	defer sub.Close()

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.publish(context.Background(), Envelope{Topic: TopicHostStatus, Payload: "not a status"})
	bus.publish(context.Background(), Envelope{
		Topic:     TopicHostStatus,
		Timestamp: ts,
		Source:    SourceOrchestrator,
		Payload:   StatusEvent{Status: "admin", Previous: "rebuilding", Error: &ErrorInfo{Message: "dial tcp: refused"}},
	})

	select {
	case got := <-sub.C():
		if got.Payload.Status != "admin" || got.Payload.Error == nil || got.Payload.Error.Message != "dial tcp: refused" {
			t.Fatalf("payload = %+v", got.Payload)
		}
		if !got.Timestamp.Equal(ts) || got.Source != SourceOrchestrator || got.Topic != TopicHostStatus {
			t.Fatalf("envelope = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestTypedSubscriptionCloseWhileForwarding(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[StatusEvent](bus, TopicHostStatus)
	bus.publish(context.Background(), Envelope{Topic: TopicHostStatus, Payload: StatusEvent{Status: "online"}})
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sub.Close()
		sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an unread event")
	}
}

func TestTypedSubscriptionEndsOnShutdown(t *testing.T) {
	bus := New()
	sub := Subscribe[RebuildEvent](bus, TopicRebuildDone)
	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after shutdown")
	}
	select {
	case <-sub.done:
	case <-time.After(time.Second):
		t.Fatal("forwarder still running")
	}
}

func TestNilBus(t *testing.T) {
	Publish(context.Background(), nil, Host.Status, SourceOrchestrator, StatusEvent{})
	nilBus := (*Bus)(nil)
	nilBus.AddObserver(nil)
	nilBus.Shutdown()

	sub := SubscribeTo(nilBus, Host.Status)
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel for nil bus")
	}
	sub.Close()

	raw := nilBus.Subscribe(TopicHostLog)
	if _, ok := <-raw.C(); ok {
		t.Fatal("expected closed raw channel for nil bus")
	}
	raw.Close()
}

func TestDescriptorTopics(t *testing.T) {
	tests := []struct {
		got, want Topic
	}{
		{Host.Status.Topic(), TopicHostStatus},
		{Host.Log.Topic(), TopicHostLog},
		{Rebuild.Done.Topic(), TopicRebuildDone},
		{Config.Changed.Topic(), TopicConfigChanged},
		{Control.Audit.Topic(), TopicControlAudit},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("descriptor topic %s, want %s", tt.got, tt.want)
		}
	}
}

func TestConsume(t *testing.T) {
	bus := New()
	defer bus.Shutdown()
	sub := SubscribeTo(bus, Config.Changed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan int64, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		Consume(ctx, sub, func(ev ConfigChangedEvent) { got <- ev.Revision })
	}()

	Publish(context.Background(), bus, Config.Changed, SourceConfigWatcher, ConfigChangedEvent{Worker: "store", Revision: 7})
	select {
	case rev := <-got:
		if rev != 7 {
			t.Fatalf("revision = %d", rev)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	sub.Close()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
}
