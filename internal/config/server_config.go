package config

import (
	"errors"
	"fmt"
	"strings"
)

// WorkerConfig declares a single worker. Name is the unique key.
type WorkerConfig struct {
	Name     string         `json:"name" yaml:"name"`
	Type     string         `json:"type" yaml:"type"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Import   string         `json:"import" yaml:"import"`
	Route    string         `json:"route,omitempty" yaml:"route,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RouteSegment returns the path segment the worker is mounted under.
func (w WorkerConfig) RouteSegment() string {
	route := strings.Trim(strings.TrimSpace(w.Route), "/")
	if route == "" {
		return w.Name
	}
	return route
}

// MetadataString returns a string metadata value or def.
func (w WorkerConfig) MetadataString(key, def string) string {
	if w.Metadata == nil {
		return def
	}
	if v, ok := w.Metadata[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return def
}

// MetadataStrings returns a list metadata value. A scalar string is treated
// as a comma separated list.
func (w WorkerConfig) MetadataStrings(key string) []string {
	if w.Metadata == nil {
		return nil
	}
	var out []string
	switch v := w.Metadata[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
	case string:
		out = strings.Split(v, ",")
	default:
		return nil
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

// MetadataBool returns a boolean metadata value or def.
func (w WorkerConfig) MetadataBool(key string, def bool) bool {
	if w.Metadata == nil {
		return def
	}
	switch v := w.Metadata[key].(type) {
	case bool:
		return v
	case string:
		if b, ok := ParseValue(v).(bool); ok {
			return b
		}
	}
	return def
}

// ServerConfig is the mutable whole-process configuration.
type ServerConfig struct {
	Env     []EnvVar       `json:"env" yaml:"env"`
	Workers []WorkerConfig `json:"workers" yaml:"workers"`
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid server config")

// Validate checks the structural contract a config worker relies on.
func (c ServerConfig) Validate() error {
	seenEnv := make(map[string]struct{}, len(c.Env))
	for i, v := range c.Env {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			return fmt.Errorf("%w: env[%d] has empty key", ErrInvalidConfig, i)
		}
		if _, dup := seenEnv[key]; dup {
			return fmt.Errorf("%w: duplicate env key %q", ErrInvalidConfig, key)
		}
		seenEnv[key] = struct{}{}
	}

	seenWorkers := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return fmt.Errorf("%w: workers[%d] has empty name", ErrInvalidConfig, i)
		}
		if _, dup := seenWorkers[name]; dup {
			return fmt.Errorf("%w: duplicate worker name %q", ErrInvalidConfig, name)
		}
		seenWorkers[name] = struct{}{}
		if strings.TrimSpace(w.Type) == "" {
			return fmt.Errorf("%w: worker %q has empty type", ErrInvalidConfig, name)
		}
		if strings.TrimSpace(w.Import) == "" {
			return fmt.Errorf("%w: worker %q has empty import", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Environment returns the env section as an Environment.
func (c ServerConfig) Environment() Environment {
	return NewEnvironment(c.Env...)
}

// PreserveSystem returns incoming with every system-origin variable of
// current kept. Incoming may update the value of a system variable but can
// neither delete one nor flag a user variable as system-origin.
func PreserveSystem(current, incoming ServerConfig) ServerConfig {
	system := make(map[string]EnvVar)
	for _, v := range current.Env {
		if v.System {
			system[v.Key] = v
		}
	}

	out := ServerConfig{
		Workers: append([]WorkerConfig(nil), incoming.Workers...),
		Env:     make([]EnvVar, 0, len(incoming.Env)+len(system)),
	}
	seen := make(map[string]struct{}, len(incoming.Env))
	for _, v := range incoming.Env {
		_, isSystem := system[v.Key]
		v.System = isSystem
		out.Env = append(out.Env, v)
		seen[v.Key] = struct{}{}
	}
	for _, v := range current.Env {
		if !v.System {
			continue
		}
		if _, ok := seen[v.Key]; ok {
			continue
		}
		out.Env = append(out.Env, v)
	}
	return out
}
