package procd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// BundleFile is the code bundle looked for on usercode volumes.
const BundleFile = "robot.zip"

var legacyFiles = []string{"info.yaml", "info.yml", "wifi.yaml", "wifi.yml"}

// ErrInvalidBundle marks a code bundle that cannot be run.
var ErrInvalidBundle = errors.New("invalid code bundle")

func invalidBundle(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBundle, fmt.Sprintf(format, args...))
}

// Workspace is the directory user code runs in.
type Workspace struct {
	Dir string
	// Temporary is set when Dir was created for this run and must be removed.
	Temporary bool
}

// Cleanup removes a temporary workspace.
func (w Workspace) Cleanup() error {
	if !w.Temporary || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// PrepareWorkspace picks the directory to run entrypoint from. A robot.zip on
// the volume is extracted into a fresh directory under tmpRoot; otherwise the
// volume itself is used. The entrypoint must exist in the chosen directory.
func PrepareWorkspace(mountPath, entrypoint, tmpRoot string) (Workspace, error) {
	bundle := filepath.Join(mountPath, BundleFile)
	info, err := os.Stat(bundle)
	switch {
	case err == nil && info.Mode().IsRegular():
		return extractBundle(bundle, entrypoint, tmpRoot)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return Workspace{}, invalidBundle("cannot read %s: %v", BundleFile, err)
	}
	if err := checkEntrypoint(mountPath, entrypoint); err != nil {
		return Workspace{}, err
	}
	return Workspace{Dir: mountPath}, nil
}

func extractBundle(bundle, entrypoint, tmpRoot string) (Workspace, error) {
	reader, err := zip.OpenReader(bundle)
	if err != nil {
		return Workspace{}, invalidBundle("the provided %s is not a valid ZIP archive", BundleFile)
	}
	defer reader.Close()

	dir, err := os.MkdirTemp(tmpRoot, "astprocd-")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	ws := Workspace{Dir: dir, Temporary: true}
	for _, file := range reader.File {
		if err := extractFile(dir, file); err != nil {
			_ = ws.Cleanup()
			return Workspace{}, err
		}
	}
	if err := checkEntrypoint(dir, entrypoint); err != nil {
		_ = ws.Cleanup()
		return Workspace{}, invalidBundle("the provided %s did not contain a %s", BundleFile, entrypoint)
	}
	for _, legacy := range legacyFiles {
		if _, err := os.Stat(filepath.Join(dir, legacy)); err == nil {
			_ = ws.Cleanup()
			return Workspace{}, invalidBundle("this is an old robot code package and will not work with this version of the kit")
		}
	}
	return ws, nil
}

func extractFile(dir string, file *zip.File) error {
	target := filepath.Join(dir, file.Name)
	if rel, err := filepath.Rel(dir, target); err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return invalidBundle("entry %q escapes the bundle", file.Name)
	}
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := file.Open()
	if err != nil {
		return invalidBundle("read %s: %v", file.Name, err)
	}
	defer src.Close()
	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return invalidBundle("extract %s: %v", file.Name, err)
	}
	return dst.Close()
}

func checkEntrypoint(dir, entrypoint string) error {
	info, err := os.Stat(filepath.Join(dir, entrypoint))
	if err != nil || info.IsDir() {
		return invalidBundle("could not find entrypoint %s", entrypoint)
	}
	return nil
}
