package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nupi-ai/hostd/internal/config"
)

var quiet = log.New(io.Discard, "", 0)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}
	return Message{}
}

func exercise(t *testing.T, b Broker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "reset", "log")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := b.Subscribe(ctx, "log")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "reset", []byte(`{"by":"a"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := receive(t, sub); msg.Channel != "reset" || string(msg.Payload) != `{"by":"a"}` {
		t.Fatalf("message = %+v", msg)
	}

	if err := b.Publish(ctx, "log", []byte("line")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := receive(t, other); msg.Channel != "log" || string(msg.Payload) != "line" {
		t.Fatalf("other message = %+v", msg)
	}
	if msg := receive(t, sub); msg.Channel != "log" {
		t.Fatalf("message = %+v", msg)
	}

	cancel()
	select {
	case _, ok := <-sub.C():
		for ok {
			_, ok = <-sub.C()
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestLocalBroker(t *testing.T) {
	b := NewLocal(quiet)
	exercise(t, b)

	b.Close()
	if err := b.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := DialRedis(context.Background(), "redis://"+mr.Addr(), "edge", quiet)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	defer b.Close()
	exercise(t, b)
}

func TestRedisGroupsAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a, err := DialRedis(ctx, "redis://"+mr.Addr(), "a", quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := DialRedis(ctx, "redis://"+mr.Addr(), "b", quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	sub, err := b.Subscribe(ctx, "reset")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := a.Publish(ctx, "reset", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "reset", []byte("y")); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, sub); string(msg.Payload) != "y" {
		t.Fatalf("received cross-group message %q", msg.Payload)
	}
}

func TestOpen(t *testing.T) {
	b, err := Open(context.Background(), config.Settings{}, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := b.(*Local); !ok {
		t.Fatalf("expected local broker, got %T", b)
	}
	if _, err := Open(context.Background(), config.Settings{Cluster: true}, quiet); err == nil {
		t.Fatal("expected error without redis url")
	}
	if _, err := DialRedis(context.Background(), "http://localhost", "g", quiet); err == nil {
		t.Fatal("expected parse error")
	}
}
