package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetHostdHome(t *testing.T) {
	home := GetHostdHome()

	userHome, _ := os.UserHomeDir()
	expected := filepath.Join(userHome, ".hostd")

	if home != expected {
		t.Errorf("GetHostdHome() = %s; want %s", home, expected)
	}
}

func TestGetInstancePaths(t *testing.T) {
	paths := GetInstancePaths("")

	if !strings.Contains(paths.Manifest, "instances/default/workers.yaml") {
		t.Errorf("Manifest path incorrect: %s", paths.Manifest)
	}
	if !strings.Contains(paths.IPCSocket, "instances/default/run/supervisor.sock") {
		t.Errorf("IPC socket path incorrect: %s", paths.IPCSocket)
	}
	if !strings.Contains(paths.Lock, "instances/default/server.lock") {
		t.Errorf("Lock path incorrect: %s", paths.Lock)
	}
	if !strings.Contains(paths.Workers, "instances/default/workers") {
		t.Errorf("Workers path incorrect: %s", paths.Workers)
	}
}

func TestGetInstancePathsCustomInstance(t *testing.T) {
	def := GetInstancePaths("")
	custom := GetInstancePaths("edge")

	if def.Home == custom.Home {
		t.Fatalf("custom instance should not share the default home")
	}
	if !strings.HasSuffix(custom.Home, filepath.Join("instances", "edge")) {
		t.Errorf("custom home incorrect: %s", custom.Home)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"~", home},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if result := ExpandPath(tt.input); result != tt.expected {
			t.Errorf("ExpandPath(%s) = %s; want %s", tt.input, result, tt.expected)
		}
	}
}

func TestEnsureInstanceDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	paths, err := EnsureInstanceDirs("test")
	if err != nil {
		t.Fatalf("EnsureInstanceDirs: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.Logs, paths.RunDir, paths.Workers} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}
