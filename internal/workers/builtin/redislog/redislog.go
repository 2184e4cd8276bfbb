// Package redislog registers builtin:redislog, a log worker that appends
// host log lines to a capped redis list and optionally publishes them.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/workers"
)

// Location is the import reference of this worker.
const Location = "builtin:redislog"

const (
	DefaultMaxLen = 10000
	writeTimeout  = 2 * time.Second
	pingTimeout   = 5 * time.Second
)

// Entry is the JSON document stored per line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Group   string    `json:"group,omitempty"`
}

// Worker pushes entries to redis.
type Worker struct {
	env     config.Environment
	client  *redis.Client
	key     string
	channel string
	maxLen  int64
	group   string
	stderr  io.Writer

	mu      sync.Mutex
	failing bool
}

func New() *Worker {
	return &Worker{stderr: os.Stderr, maxLen: DefaultMaxLen}
}

func init() {
	workers.RegisterFactory(Location, func() workers.Worker { return New() })
}

func (w *Worker) SetEnv(env config.Environment) { w.env = env }

// Init connects. Metadata: url (defaults to HOSTD_REDIS_URL), key, channel,
// maxLen.
func (w *Worker) Init(ctx context.Context, name string, metadata map[string]any) error {
	cfg := config.WorkerConfig{Name: name, Metadata: metadata}
	rawURL := cfg.MetadataString("url", w.env.String(config.EnvRedisURL, ""))
	if rawURL == "" {
		return fmt.Errorf("redislog: %s: metadata.url or %s is required", name, config.EnvRedisURL)
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("redislog: %s: parse url: %w", name, err)
	}

	w.group = w.env.String(config.EnvGroupID, config.DefaultGroupID)
	w.key = cfg.MetadataString("key", "hostd:logs:"+w.group)
	w.channel = cfg.MetadataString("channel", "")
	if raw := cfg.MetadataString("maxLen", ""); raw != "" {
		n, ok := config.ParseValue(raw).(int64)
		if !ok || n <= 0 {
			return fmt.Errorf("redislog: %s: maxLen must be a positive integer", name)
		}
		w.maxLen = n
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redislog: %s: connect: %w", name, err)
	}
	w.client = client
	return nil
}

// Write appends one entry. Failures go to stderr directly, once per outage,
// since the host log stream feeds this worker.
func (w *Worker) Write(level, message string) {
	if w.client == nil {
		return
	}
	data, err := json.Marshal(Entry{Time: time.Now().UTC(), Level: level, Message: message, Group: w.group})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := w.client.Pipeline()
	pipe.RPush(ctx, w.key, data)
	pipe.LTrim(ctx, w.key, -w.maxLen, -1)
	if w.channel != "" {
		pipe.Publish(ctx, w.channel, data)
	}
	_, err = pipe.Exec(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case err != nil && !w.failing:
		w.failing = true
		fmt.Fprintf(w.stderr, "[RedisLog] write to %s failed: %v\n", w.key, err)
	case err == nil && w.failing:
		w.failing = false
		fmt.Fprintf(w.stderr, "[RedisLog] write to %s recovered\n", w.key)
	}
}

func (w *Worker) Close(context.Context) error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}
