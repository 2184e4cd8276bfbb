package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a hostd instance.
type InstancePaths struct {
	Home      string // Instance home directory
	Manifest  string // Default worker manifest path
	ConfigDB  string // SQLite configuration store path
	IPCSocket string // Supervisor IPC socket path
	Lock      string // Server pid file path
	Logs      string // Logs directory
	RunDir    string // Runtime assets directory
	Workers   string // Project-local dependency root for script workers
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetHostdHome(), "instances", instanceName)
	runDir := filepath.Join(instanceDir, "run")

	return InstancePaths{
		Home:      instanceDir,
		Manifest:  filepath.Join(instanceDir, "workers.yaml"),
		ConfigDB:  filepath.Join(instanceDir, "config.db"),
		IPCSocket: filepath.Join(runDir, "supervisor.sock"),
		Lock:      filepath.Join(instanceDir, "server.lock"),
		Logs:      filepath.Join(instanceDir, "logs"),
		RunDir:    runDir,
		Workers:   filepath.Join(instanceDir, "workers"),
	}
}

// GetHostdHome returns the hostd home directory (~/.hostd).
func GetHostdHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".hostd")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.RunDir,
		paths.Workers,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
