package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"astoria/internal/bus"
	"astoria/internal/config"
	"astoria/internal/faults"
	"astoria/internal/ipc"
	"astoria/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	base := t.TempDir()
	cfg.System.CacheDir = filepath.Join(base, "cache")
	cfg.System.LogDir = filepath.Join(base, "logs")
	cfg.System.LockDir = filepath.Join(base, "run")
	cfg.Logging.Format = "json"

	table := filepath.Join(base, "mounts")
	if err := os.WriteFile(table, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Astdiskd.MountTable = table
	cfg.Astdiskd.MountRoot = filepath.Join(base, "media")
	cfg.Astdiskd.UUIDDir = filepath.Join(base, "by-uuid")
	cfg.Astdiskd.Udev = false
	return &cfg
}

func TestNewImplementation(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{ipc.ManagerDisk, ipc.ManagerMetadata, ipc.ManagerProcess} {
		impl, err := NewImplementation(name, cfg, logging.NewNop())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if impl.Name() != name {
			t.Fatalf("implementation name = %q, want %q", impl.Name(), name)
		}
	}
	if _, err := NewImplementation("astnope", cfg, logging.NewNop()); !faults.Fatal(err) {
		t.Fatalf("unknown manager err = %v, want configuration error", err)
	}
}

func TestRunRejectsDisabledManager(t *testing.T) {
	cfg := testConfig(t)
	cfg.Managers.Astprocd = false
	err := Run(context.Background(), cfg, ipc.ManagerProcess, Options{})
	if !faults.Fatal(err) || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.System.LockDir, 0o755); err != nil {
		t.Fatal(err)
	}
	held := flock.New(filepath.Join(cfg.System.LockDir, ipc.ManagerDisk+".lock"))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer held.Unlock()

	broker := bus.NewMemoryBroker()
	err := Run(context.Background(), cfg, ipc.ManagerDisk, Options{Bus: broker.NewClient("d", nil, 0)})
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t)
	broker := bus.NewMemoryBroker()
	client := broker.NewClient(ipc.ManagerDisk, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, ipc.ManagerDisk, Options{Bus: client, LogLevel: "debug"})
	}()

	statusTopic := ipc.StatusTopic(cfg.MQTT.TopicPrefix, ipc.ManagerDisk)
	waitStatus(t, broker, statusTopic, true)
	if _, err := os.Stat(filepath.Join(cfg.System.LockDir, ipc.ManagerDisk+".pid")); err != nil {
		t.Fatalf("pid file: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	waitStatus(t, broker, statusTopic, false)
	if _, err := os.Stat(filepath.Join(cfg.System.LockDir, ipc.ManagerDisk+".pid")); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.System.LogDir, ipc.ManagerDisk+".log")); err != nil {
		t.Fatalf("log file: %v", err)
	}
}

func waitStatus(t *testing.T, broker *bus.MemoryBroker, topic string, online bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if payload, ok := broker.Retained(topic); ok {
			var status ipc.StatusMessage
			if err := ipc.Decode(payload, &status); err == nil && status.Online() == online {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status on %s never became online=%v", topic, online)
}
