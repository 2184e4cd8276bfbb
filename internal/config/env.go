package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SystemPrefix marks environment variables owned by the host itself. They
// are reported as system-origin and survive every config save.
const SystemPrefix = "HOSTD_"

// Well-known system variables.
const (
	EnvInstance    = SystemPrefix + "INSTANCE"
	EnvGroupID     = SystemPrefix + "GROUP_ID"
	EnvSecret      = SystemPrefix + "SECRET"
	EnvControlPort = SystemPrefix + "CONTROL_PORT"
	EnvWebURL      = SystemPrefix + "WEB_URL"
	EnvWebPort     = SystemPrefix + "WEB_PORT"
	EnvCluster     = SystemPrefix + "CLUSTER"
	EnvRedisURL    = SystemPrefix + "REDIS_URL"
	EnvRoot        = SystemPrefix + "ROOT"
	EnvManifest    = SystemPrefix + "MANIFEST"
	EnvIPCSocket   = SystemPrefix + "IPC_SOCKET"
)

const (
	DefaultGroupID     = "default"
	DefaultWebPort     = 8080
	DefaultControlPort = 8081
)

// EnvVar is a single process-wide setting. Value holds a bool, int64,
// float64 or string.
type EnvVar struct {
	Key    string `json:"key" yaml:"key"`
	Value  any    `json:"value" yaml:"value"`
	System bool   `json:"system" yaml:"system"`
}

// String renders the value the way it would appear in an environment file.
func (v EnvVar) String() string {
	if v.Value == nil {
		return ""
	}
	return fmt.Sprint(v.Value)
}

// Environment is an ordered, immutable set of EnvVar keyed by name.
type Environment struct {
	vars  []EnvVar
	index map[string]int
}

// NewEnvironment builds an environment from vars. Later duplicates replace
// earlier ones in place.
func NewEnvironment(vars ...EnvVar) Environment {
	env := Environment{index: make(map[string]int, len(vars))}
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			continue
		}
		v.Key = key
		if i, ok := env.index[key]; ok {
			env.vars[i] = v
			continue
		}
		env.index[key] = len(env.vars)
		env.vars = append(env.vars, v)
	}
	return env
}

// FromEnviron parses KEY=VALUE pairs (as returned by os.Environ). Keys
// carrying SystemPrefix are flagged as system-origin. Output is sorted by key
// so two processes with the same environment agree on ordering.
func FromEnviron(environ []string) Environment {
	vars := make([]EnvVar, 0, len(environ))
	for _, kv := range environ {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		vars = append(vars, EnvVar{
			Key:    key,
			Value:  ParseValue(raw),
			System: strings.HasPrefix(key, SystemPrefix),
		})
	}
	sort.SliceStable(vars, func(i, j int) bool { return vars[i].Key < vars[j].Key })
	return NewEnvironment(vars...)
}

// ParseValue converts a raw string into a typed value.
func ParseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && strings.ContainsAny(trimmed, ".eE") {
		return f
	}
	return raw
}

// Vars returns a copy of the ordered variables.
func (e Environment) Vars() []EnvVar {
	out := make([]EnvVar, len(e.vars))
	copy(out, e.vars)
	return out
}

// Len returns the number of variables.
func (e Environment) Len() int {
	return len(e.vars)
}

// Lookup returns the variable stored under key.
func (e Environment) Lookup(key string) (EnvVar, bool) {
	i, ok := e.index[key]
	if !ok {
		return EnvVar{}, false
	}
	return e.vars[i], true
}

// String returns the string form of key or def when unset or empty.
func (e Environment) String(key, def string) string {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return def
	}
	return s
}

// Int returns key as an int or def when unset or not numeric.
func (e Environment) Int(key string, def int) int {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	switch val := v.Value.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return def
}

// Bool returns key as a bool or def when unset.
func (e Environment) Bool(key string, def bool) bool {
	v, ok := e.Lookup(key)
	if !ok {
		return def
	}
	switch val := v.Value.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return def
}

// With returns a new environment with vars applied on top of e.
func (e Environment) With(vars ...EnvVar) Environment {
	merged := append(e.Vars(), vars...)
	return NewEnvironment(merged...)
}

// Settings is the typed view of the system variables the host consumes.
type Settings struct {
	Instance    string
	GroupID     string
	Secret      string
	ControlPort int
	WebURL      string
	WebPort     int
	Cluster     bool
	RedisURL    string
	Root        string
	Manifest    string
	IPCSocket   string
}

// SettingsFromEnv extracts Settings, filling defaults from the instance
// layout where a variable is absent.
func SettingsFromEnv(env Environment) Settings {
	instance := env.String(EnvInstance, DefaultInstance)
	paths := GetInstancePaths(instance)

	webPort := env.Int(EnvWebPort, DefaultWebPort)
	s := Settings{
		Instance:    instance,
		GroupID:     env.String(EnvGroupID, DefaultGroupID),
		Secret:      env.String(EnvSecret, ""),
		ControlPort: env.Int(EnvControlPort, DefaultControlPort),
		WebPort:     webPort,
		WebURL:      env.String(EnvWebURL, fmt.Sprintf("http://localhost:%d", webPort)),
		Cluster:     env.Bool(EnvCluster, false),
		RedisURL:    env.String(EnvRedisURL, ""),
		Root:        ExpandPath(env.String(EnvRoot, paths.Home)),
		Manifest:    ExpandPath(env.String(EnvManifest, paths.Manifest)),
		IPCSocket:   env.String(EnvIPCSocket, ""),
	}
	return s
}

var secretSuffixes = []string{"_SECRET", "_PASSWORD", "_TOKEN", "_KEY"}

// IsSecretKey reports whether values under key are sealed at rest and
// masked in listings.
func IsSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// NormalizeValue maps decoded scalars onto the EnvVar value set. Decoders
// hand back int or uint for whole numbers; those become int64.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

// NormalizeEnv applies NormalizeValue to every variable of vars in place.
func NormalizeEnv(vars []EnvVar) []EnvVar {
	for i := range vars {
		vars[i].Value = NormalizeValue(vars[i].Value)
	}
	return vars
}
