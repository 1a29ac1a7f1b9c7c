package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
deviceClass: vkbd
pollInterval: 250ms
logLevel: debug
storeSocket: /tmp/xenstored.sock
`)

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.DeviceClass != "vkbd" {
		t.Errorf("DeviceClass = %q", settings.DeviceClass)
	}
	if time.Duration(settings.PollInterval) != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", time.Duration(settings.PollInterval))
	}
	if settings.StoreSocket != "/tmp/xenstored.sock" {
		t.Errorf("StoreSocket = %q", settings.StoreSocket)
	}
	if settings.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v", settings.SlogLevel())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "deviceClass: vdispl\n")

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if time.Duration(settings.PollInterval) != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default", time.Duration(settings.PollInterval))
	}
	if settings.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel = %v, want info", settings.SlogLevel())
	}
}

func TestLoadRejectsMissingClass(t *testing.T) {
	path := writeFile(t, "pollInterval: 1s\n")
	if _, err := Load(path); err == nil {
		t.Error("Load without deviceClass succeeded")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "deviceClass: vkbd\npollInterval: soon\n")
	if _, err := Load(path); err == nil {
		t.Error("Load with malformed duration succeeded")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of absent file succeeded")
	}
}
