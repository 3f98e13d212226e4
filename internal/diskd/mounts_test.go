package diskd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMountTable(t *testing.T) {
	table := strings.Join([]string{
		"/dev/sda1 / ext4 rw,relatime 0 0",
		`/dev/sdb1 /media/My\040Stick vfat rw 0 0`,
		"garbage",
		"",
	}, "\n")
	mounts, err := ParseMountTable(strings.NewReader(table))
	if err != nil {
		t.Fatalf("ParseMountTable: %v", err)
	}
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	if mounts[1].Path != "/media/My Stick" {
		t.Fatalf("escaped path = %q", mounts[1].Path)
	}
	if mounts[1].Device != "/dev/sdb1" || mounts[1].FSType != "vfat" {
		t.Fatalf("unexpected mount %+v", mounts[1])
	}
}

func TestUnescapeMountField(t *testing.T) {
	tests := map[string]string{
		`plain`:          "plain",
		`a\040b`:         "a b",
		`tab\011x`:       "tab\tx",
		`back\134slash`:  `back\slash`,
		`trailing\04`:    `trailing\04`,
		`not\999escaped`: `not\999escaped`,
	}
	for in, want := range tests {
		if got := unescapeMountField(in); got != want {
			t.Errorf("unescapeMountField(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeSystem struct {
	root      string
	mountRoot string
	uuidDir   string
	table     string
}

func newFakeSystem(t *testing.T) *fakeSystem {
	t.Helper()
	root := t.TempDir()
	fs := &fakeSystem{
		root:      root,
		mountRoot: filepath.Join(root, "media"),
		uuidDir:   filepath.Join(root, "by-uuid"),
		table:     filepath.Join(root, "mounts"),
	}
	for _, dir := range []string{fs.mountRoot, fs.uuidDir, filepath.Join(root, "dev")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	fs.writeTable(t)
	return fs
}

// device creates a fake block device with a by-uuid link and returns its path.
func (fs *fakeSystem) device(t *testing.T, name, id string) string {
	t.Helper()
	dev := filepath.Join(fs.root, "dev", name)
	if err := os.WriteFile(dev, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(dev, filepath.Join(fs.uuidDir, id)); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(dev)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

// mountDir creates a directory under the mount root holding files.
func (fs *fakeSystem) mountDir(t *testing.T, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(fs.mountRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func (fs *fakeSystem) writeTable(t *testing.T, lines ...string) {
	t.Helper()
	data := "/dev/root / ext4 rw 0 0\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(fs.table, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (fs *fakeSystem) scanner(ignored ...string) Scanner {
	return Scanner{MountTable: fs.table, UUIDDir: fs.uuidDir, MountRoot: fs.mountRoot, Ignored: ignored}
}

func TestScannerResolvesUUIDs(t *testing.T) {
	fs := newFakeSystem(t)
	dev := fs.device(t, "sdb1", "ABCD-1234")
	dir := fs.mountDir(t, "stick")
	fs.writeTable(t, dev+" "+dir+" vfat rw 0 0")

	found, err := fs.scanner().Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 1 || found["ABCD-1234"] != dir {
		t.Fatalf("unexpected scan result %v", found)
	}
}

func TestScannerFallbackUUIDIsStable(t *testing.T) {
	fs := newFakeSystem(t)
	dir := fs.mountDir(t, "tmp")
	fs.writeTable(t, "tmpfs "+dir+" tmpfs rw 0 0")

	first, err := fs.scanner().Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	second, err := fs.scanner().Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one volume, got %v", first)
	}
	for id, path := range first {
		if second[id] != path {
			t.Fatalf("fallback uuid changed between scans: %v vs %v", first, second)
		}
	}
}

func TestScannerSkipsIgnoredAndForeignMounts(t *testing.T) {
	fs := newFakeSystem(t)
	keep := fs.mountDir(t, "keep")
	skip := fs.mountDir(t, "skip")
	other := filepath.Join(fs.root, "elsewhere")
	fs.writeTable(t,
		"tmpfs "+keep+" tmpfs rw 0 0",
		"tmpfs "+skip+" tmpfs rw 0 0",
		"tmpfs "+other+" tmpfs rw 0 0",
		"tmpfs "+fs.mountRoot+" tmpfs rw 0 0",
	)
	found, err := fs.scanner(skip).Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected only the kept mount, got %v", found)
	}
	for _, path := range found {
		if path != keep {
			t.Fatalf("unexpected mount %s", path)
		}
	}
}

func TestScannerMissingTable(t *testing.T) {
	s := Scanner{MountTable: filepath.Join(t.TempDir(), "nope")}
	if _, err := s.Scan(); err == nil {
		t.Fatal("expected error for missing mount table")
	}
}
