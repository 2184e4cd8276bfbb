package rebuild

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func TestLiveServerSwapAndRebind(t *testing.T) {
	s := NewLiveServer(log.New(io.Discard, "", 0))
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	if err := s.Rebind("127.0.0.1:0"); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}

	s.Swap(textHandler("one"))
	if err := s.Rebind("127.0.0.1:0"); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	first := s.Addr()
	if got := get(t, "http://"+first+"/"); got != "one" {
		t.Fatalf("body = %q", got)
	}

	s.Swap(textHandler("two"))
	if got := get(t, "http://"+first+"/"); got != "two" {
		t.Fatalf("body after swap = %q", got)
	}

	if err := s.Rebind("127.0.0.1:0"); err != nil {
		t.Fatalf("second Rebind: %v", err)
	}
	if s.Addr() == first {
		t.Fatal("address unchanged after rebind")
	}
	if got := get(t, "http://"+s.Addr()+"/"); got != "two" {
		t.Fatalf("body on new listener = %q", got)
	}
}
