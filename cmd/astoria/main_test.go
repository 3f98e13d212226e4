package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"astoria/internal/bus"
	"astoria/internal/config"
	"astoria/internal/daemonrun"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/manager"
	"astoria/internal/metadata"
	"astoria/internal/procd"
)

type cliTestEnv struct {
	broker     *bus.MemoryBroker
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	return setupCLITestEnvWith(t, 3000, "")
}

// setupCLITestEnvWith starts the managers with the given request timeout and
// extra TOML sections appended to the config.
func setupCLITestEnvWith(t *testing.T, requestTimeoutMS int, extra string) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	table := filepath.Join(base, "mounts")
	if err := os.WriteFile(table, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(base, "astoria.toml")
	content := fmt.Sprintf(`[system]
cache_dir = %q
log_dir = %q
lock_dir = %q
request_timeout_ms = %d

[astdiskd]
mount_root = %q
mount_table = %q
uuid_dir = %q
udev = false
%s`,
		filepath.Join(base, "cache"),
		filepath.Join(base, "logs"),
		filepath.Join(base, "run"),
		requestTimeoutMS,
		filepath.Join(base, "media"),
		table,
		filepath.Join(base, "by-uuid"),
		extra,
	)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	env := &cliTestEnv{broker: bus.NewMemoryBroker(), configPath: configPath, baseDir: base}
	ctx, cancel := context.WithCancel(context.Background())
	var stopped []chan struct{}
	for _, name := range []string{ipc.ManagerDisk, ipc.ManagerMetadata, ipc.ManagerProcess} {
		impl, err := daemonrun.NewImplementation(name, cfg, logging.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		client := env.broker.NewClient(name, manager.Will(cfg.MQTT.TopicPrefix, name), 0)
		rt, err := manager.New(impl, manager.Options{Prefix: cfg.MQTT.TopicPrefix, Bus: client, RequestTimeout: time.Second})
		if err != nil {
			t.Fatal(err)
		}
		done := make(chan struct{})
		stopped = append(stopped, done)
		go func() {
			defer close(done)
			_ = rt.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		for _, done := range stopped {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}
	})

	waitFor(t, 5*time.Second, func() bool {
		payload, ok := env.broker.Retained(ipc.StatusTopic(cfg.MQTT.TopicPrefix, ipc.ManagerProcess))
		if !ok {
			return false
		}
		var status ipc.StatusMessage
		return ipc.Decode(payload, &status) == nil && status.Online()
	})
	return env
}

func (e *cliTestEnv) dial(_ *config.Config, clientID string) bus.Client {
	return e.broker.NewClient(clientID, nil, 0)
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommandWithDialer(env.dial)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "nested", "astoria.toml")
	out, err = runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestMissingConfigIsAnError(t *testing.T) {
	cmd := newRootCommandWithDialer(func(*config.Config, string) bus.Client { return nil })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml"), "disks"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected missing config to fail")
	}
}

func TestStaticDiskCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	dir := filepath.Join(env.baseDir, "static")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, env, "static-disk", "add", dir)
	if err != nil {
		t.Fatalf("static-disk add: %v", err)
	}
	requireContains(t, out, "Added static disk "+dir)

	_, err = runCLI(t, env, "static-disk", "add", dir)
	if err == nil || !strings.Contains(err.Error(), "The specified path is already mounted.") {
		t.Fatalf("duplicate add err = %v", err)
	}

	out, err = runCLI(t, env, "disks")
	if err != nil {
		t.Fatalf("disks: %v", err)
	}
	requireContains(t, out, dir)
	requireContains(t, out, "NOACTION")

	_, err = runCLI(t, env, "static-disk", "remove", filepath.Join(env.baseDir, "other"))
	if err == nil || !strings.Contains(err.Error(), "is not mounted as a static disk.") {
		t.Fatalf("remove unknown err = %v", err)
	}

	out, err = runCLI(t, env, "static-disk", "remove-all")
	if err != nil {
		t.Fatalf("remove-all: %v", err)
	}
	requireContains(t, out, "Removed all static disks")

	out, err = runCLI(t, env, "disks")
	if err != nil {
		t.Fatalf("disks: %v", err)
	}
	requireContains(t, out, "No disks")
}

func TestMetadataCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "metadata", "set", "zone", "3")
	if err != nil {
		t.Fatalf("metadata set: %v", err)
	}
	requireContains(t, out, "Set zone to 3")

	_, err = runCLI(t, env, "metadata", "set", "hostname", "robot")
	if err == nil || !strings.Contains(err.Error(), "hostname is not a mutable attribute") {
		t.Fatalf("immutable set err = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		out, err := runCLI(t, env, "metadata", "show", "--json")
		return err == nil && strings.Contains(out, `"zone": 3`)
	})

	out, err = runCLI(t, env, "metadata", "show")
	if err != nil {
		t.Fatalf("metadata show: %v", err)
	}
	requireContains(t, out, "arena")
	requireContains(t, out, "development")

	if _, err := runCLI(t, env, "metadata", "set", "zone"); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		out, err := runCLI(t, env, "metadata", "show", "--json")
		return err == nil && strings.Contains(out, `"zone": 0`)
	})
}

func TestUsercodeCommandsWithoutVolume(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, env, "usercode", "kill")
	if err == nil || !strings.Contains(err.Error(), "No active usercode lifecycle") {
		t.Fatalf("kill err = %v", err)
	}
	if _, err := runCLI(t, env, "usercode", "restart"); err == nil {
		t.Fatal("expected restart without a volume to fail")
	}

	out, err := runCLI(t, env, "usercode", "status", "--json")
	if err != nil {
		t.Fatalf("usercode status: %v", err)
	}
	requireContains(t, out, `"code_status": "idle"`)
	requireContains(t, out, `"disk_info": null`)
}

func TestUsercodeKillOutlastsRequestTimeout(t *testing.T) {
	env := setupCLITestEnvWith(t, 1000, `
[astprocd]
default_usercode_entrypoint = "main.sh"
interpreter = ["/bin/sh"]
kill_grace_seconds = 2
`)
	dir := filepath.Join(env.baseDir, "code")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeCodeBundle(t, filepath.Join(dir, procd.BundleFile), "trap '' TERM\necho ready\nwhile true; do sleep 1; done\n")
	if _, err := runCLI(t, env, "static-disk", "add", dir); err != nil {
		t.Fatalf("static-disk add: %v", err)
	}
	status := func() procd.Snapshot {
		out, err := runCLI(t, env, "usercode", "status", "--json")
		if err != nil {
			t.Fatalf("usercode status: %v", err)
		}
		var snap procd.Snapshot
		if err := json.Unmarshal([]byte(out), &snap); err != nil {
			t.Fatalf("decode status %q: %v", out, err)
		}
		return snap
	}
	// The run log is recreated before a run reports code_running.
	waitForReady := func(previousRun string) {
		waitFor(t, 10*time.Second, func() bool {
			snap := status()
			return snap.CodeStatus == procd.StatusRunning && snap.RunID != previousRun
		})
		waitFor(t, 10*time.Second, func() bool {
			data, err := os.ReadFile(filepath.Join(dir, procd.LogFile))
			return err == nil && strings.Contains(string(data), "ready")
		})
	}
	waitForReady("")

	start := time.Now()
	out, err := runCLI(t, env, "usercode", "kill")
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	requireContains(t, out, "Usercode killed")
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("kill replied after %s, before the grace period", elapsed)
	}
	var killed procd.Snapshot
	waitFor(t, 5*time.Second, func() bool {
		killed = status()
		return killed.CodeStatus == procd.StatusKilled
	})

	if _, err := runCLI(t, env, "usercode", "restart"); err != nil {
		t.Fatalf("restart after kill: %v", err)
	}
	waitForReady(killed.RunID)
	out, err = runCLI(t, env, "usercode", "restart")
	if err != nil {
		t.Fatalf("restart while running: %v", err)
	}
	requireContains(t, out, "Usercode restarted")
}

func TestStopTimeoutCoversKillGrace(t *testing.T) {
	cfg := config.Default()
	cfg.System.RequestTimeoutMS = 5000
	cfg.Astprocd.KillGraceSeconds = 5
	ctx := newCommandContext(nil, nil)
	if got, want := ctx.stopTimeout(&cfg), 5*time.Second+stopReplyMargin; got != want {
		t.Fatalf("stop timeout = %s, want %s", got, want)
	}
	ctx.timeout = time.Minute
	if got := ctx.stopTimeout(&cfg); got != time.Minute {
		t.Fatalf("stop timeout with flag = %s", got)
	}
}

func writeCodeBundle(t *testing.T, path, script string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(out)
	f, err := w.Create("main.sh")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(script)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMetadataRows(t *testing.T) {
	rows, err := metadataRows(metadata.Metadata{Arena: "A", Zone: 2, Mode: metadata.ModeDevelopment, WifiEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, row := range rows {
		got[row[0]] = row[1]
	}
	if got["wifi_enabled"] != "yes" || got["game_timeout"] != "-" || got["zone"] != "2" {
		t.Fatalf("rows = %v", rows)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1][0] > rows[i][0] {
			t.Fatalf("rows not sorted: %v", rows)
		}
	}
}

func TestRenderTablePadsAndTrimsRows(t *testing.T) {
	out := renderTable("Volumes", []string{"UUID", "Category"}, [][]string{
		{"abc"},
		{"def", "USERCODE", "extra"},
	})
	requireContains(t, out, "Volumes")
	requireContains(t, out, "USERCODE")
	if strings.Contains(out, "extra") {
		t.Fatalf("expected extra cell to be dropped:\n%s", out)
	}
	if renderTable("", nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}
