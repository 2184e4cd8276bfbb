package tlswarn

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
)

func TestLogInsecureOnce(t *testing.T) {
	once = sync.Once{}

	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(orig) })

	for i := 0; i < 3; i++ {
		LogInsecure()
	}
	if n := strings.Count(buf.String(), "[TLS] WARNING:"); n != 1 {
		t.Fatalf("expected one warning, got %d:\n%s", n, buf.String())
	}
}
