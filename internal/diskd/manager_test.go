package diskd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astoria/internal/bus"
	"astoria/internal/config"
	"astoria/internal/disks"
	"astoria/internal/ipc"
	"astoria/internal/manager"
)

const testPrefix = "astoria"

type diskHarness struct {
	fs        *fakeSystem
	broker    *bus.MemoryBroker
	mgr       *Manager
	requester *ipc.Requester
	cancel    context.CancelFunc
	done      chan struct{}
}

func startDiskManager(t *testing.T) *diskHarness {
	t.Helper()
	fs := newFakeSystem(t)
	broker := bus.NewMemoryBroker()
	mgr := New(Options{Config: config.DiskManager{
		MountRoot:             fs.mountRoot,
		RescanIntervalSeconds: 60,
		MountTable:            fs.table,
		UUIDDir:               fs.uuidDir,
	}})
	client := broker.NewClient(ipc.ManagerDisk, manager.Will(testPrefix, ipc.ManagerDisk), 0)
	rt, err := manager.New(mgr, manager.Options{Prefix: testPrefix, Bus: client})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}

	cli := broker.NewClient("cli", nil, 0)
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect cli: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &diskHarness{
		fs:        fs,
		broker:    broker,
		mgr:       mgr,
		requester: ipc.NewRequester(cli, testPrefix, "test", nil),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		_ = rt.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)

	waitUntil(t, "astdiskd online", func() bool {
		payload, ok := broker.Retained(ipc.StatusTopic(testPrefix, ipc.ManagerDisk))
		var msg ipc.StatusMessage
		return ok && ipc.Decode(payload, &msg) == nil && msg.Online()
	})
	return h
}

func (h *diskHarness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
	}
}

func (h *diskHarness) inventory(t *testing.T) (disks.Inventory, string) {
	t.Helper()
	payload, ok := h.broker.Retained(ipc.StateTopic(testPrefix, ipc.ManagerDisk))
	if !ok {
		return nil, ""
	}
	var env ipc.StateEnvelope
	if err := ipc.Decode(payload, &env); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	var snap disks.Snapshot
	if err := env.DecodeState(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap.Disks, env.Status
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDiskManagerTracksMountTable(t *testing.T) {
	h := startDiskManager(t)
	dev := h.fs.device(t, "sdb1", "ABCD-1234")
	dir := h.fs.mountDir(t, "usb0", "robot.zip")
	h.fs.writeTable(t, dev+" "+dir+" vfat rw 0 0")
	h.mgr.Rescan("test")

	waitUntil(t, "usercode disk", func() bool {
		inv, _ := h.inventory(t)
		vol, ok := inv["ABCD-1234"]
		return ok && vol.Category == disks.CategoryUsercode && vol.MountPath == dir
	})

	// Category is fixed at insertion even if the contents change.
	if err := os.WriteFile(filepath.Join(dir, "astoria.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "robot.zip")); err != nil {
		t.Fatal(err)
	}
	h.mgr.Rescan("test")
	time.Sleep(50 * time.Millisecond)
	if inv, _ := h.inventory(t); inv["ABCD-1234"].Category != disks.CategoryUsercode {
		t.Fatalf("category re-evaluated while mounted: %+v", inv)
	}

	h.fs.writeTable(t)
	h.mgr.Rescan("test")
	waitUntil(t, "disk removal", func() bool {
		inv, _ := h.inventory(t)
		return inv != nil && len(inv) == 0
	})
}

func TestDiskManagerStaticDisks(t *testing.T) {
	h := startDiskManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "astoria.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := h.requester.AddStaticDisk(ctx, dir, time.Second)
	if err != nil || !resp.Success {
		t.Fatalf("add static disk: %+v %v", resp, err)
	}
	waitUntil(t, "static disk in inventory", func() bool {
		inv, _ := h.inventory(t)
		for id, vol := range inv {
			if strings.HasPrefix(id, "static-") && vol.MountPath == dir && vol.Category == disks.CategoryMetadata {
				return true
			}
		}
		return false
	})

	resp, err = h.requester.AddStaticDisk(ctx, dir, time.Second)
	if err != nil || resp.Success || resp.Reason != "The specified path is already mounted." {
		t.Fatalf("duplicate add: %+v %v", resp, err)
	}

	missing := filepath.Join(dir, "missing")
	resp, err = h.requester.AddStaticDisk(ctx, missing, time.Second)
	if err != nil || resp.Success || resp.Reason != missing+" does not exist or is not a directory" {
		t.Fatalf("missing add: %+v %v", resp, err)
	}

	other := t.TempDir()
	resp, err = h.requester.RemoveStaticDisk(ctx, other, time.Second)
	if err != nil || resp.Success || resp.Reason != other+" is not mounted as a static disk." {
		t.Fatalf("remove unknown: %+v %v", resp, err)
	}

	resp, err = h.requester.RemoveAllStaticDisks(ctx, time.Second)
	if err != nil || !resp.Success || resp.Reason != "Successfully removed all static disks." {
		t.Fatalf("remove all: %+v %v", resp, err)
	}
	waitUntil(t, "static disk removed", func() bool {
		inv, _ := h.inventory(t)
		return inv != nil && len(inv) == 0
	})

	resp, err = h.requester.RemoveAllStaticDisks(ctx, time.Second)
	if err != nil || !resp.Success || resp.Reason != "There are no static disks to remove." {
		t.Fatalf("remove all when empty: %+v %v", resp, err)
	}
}

func TestDiskManagerRemoveStaticDisk(t *testing.T) {
	h := startDiskManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	if resp, err := h.requester.AddStaticDisk(ctx, dir, time.Second); err != nil || !resp.Success {
		t.Fatalf("add: %+v %v", resp, err)
	}
	if resp, err := h.requester.RemoveStaticDisk(ctx, dir, time.Second); err != nil || !resp.Success {
		t.Fatalf("remove: %+v %v", resp, err)
	}
	waitUntil(t, "inventory emptied", func() bool {
		inv, _ := h.inventory(t)
		return inv != nil && len(inv) == 0
	})
}

func TestDiskManagerOfflineState(t *testing.T) {
	h := startDiskManager(t)
	if resp, err := h.requester.AddStaticDisk(context.Background(), t.TempDir(), time.Second); err != nil || !resp.Success {
		t.Fatalf("add: %+v %v", resp, err)
	}
	h.stop()

	inv, status := h.inventory(t)
	if status != ipc.StatusStopped {
		t.Fatalf("expected STOPPED state, got %q", status)
	}
	if len(inv) != 0 {
		t.Fatalf("offline inventory should be empty, got %v", inv)
	}
}
