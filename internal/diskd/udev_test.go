package diskd

import (
	"sync"
	"testing"

	"github.com/pilebones/go-udev/netlink"
)

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher()
	for _, action := range []netlink.KObjAction{netlink.ADD, netlink.CHANGE, netlink.REMOVE} {
		event := netlink.UEvent{Action: action, Env: map[string]string{"SUBSYSTEM": "block"}}
		if !matcher.Evaluate(event) {
			t.Errorf("expected %s block event to match", action)
		}
	}
	usb := netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "usb"}}
	if matcher.Evaluate(usb) {
		t.Error("expected non-block event to be rejected")
	}
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"DEVNAME": "/dev/sdb1"}, "/dev/sdb1"},
		{map[string]string{"DEVNAME": "sdb1"}, "/dev/sdb1"},
		{map[string]string{"DEVPATH": "/devices/pci0000:00/usb1/1-1/host6/block/sdb/sdb1"}, "/dev/sdb1"},
		{map[string]string{}, ""},
	}
	for _, tc := range tests {
		if got := deviceName(netlink.UEvent{Env: tc.env}); got != tc.want {
			t.Errorf("deviceName(%v) = %q, want %q", tc.env, got, tc.want)
		}
	}
}

func TestUdevMonitorRequestsRescan(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	m := newUdevMonitor(nil, func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	})
	m.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVNAME": "/dev/sdb1"}})
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "udev add" {
		t.Fatalf("unexpected rescan reasons %v", reasons)
	}
}

func TestUdevMonitorNilSafe(t *testing.T) {
	var m *udevMonitor
	m.Stop()
	if m.Running() {
		t.Fatal("nil monitor should not report running")
	}
}
