package diskd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Mount is one entry of the kernel mount table.
type Mount struct {
	Device string
	Path   string
	FSType string
}

// ParseMountTable reads entries in /proc/self/mounts format.
func ParseMountTable(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, Mount{
			Device: unescapeMountField(fields[0]),
			Path:   unescapeMountField(fields[1]),
			FSType: fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return mounts, nil
}

// unescapeMountField decodes the octal escapes the kernel uses for spaces,
// tabs, newlines and backslashes.
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+4 <= len(field) {
			if v, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(field[i])
	}
	return b.String()
}

// ResolveUUIDs maps device paths to filesystem uuids using the symlinks in
// dir. A missing directory yields an empty map.
func ResolveUUIDs(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out[target] = entry.Name()
	}
	return out, nil
}

// Scanner finds mounted volumes below a mount root.
type Scanner struct {
	MountTable string
	UUIDDir    string
	MountRoot  string
	Ignored    []string
}

// Scan returns mount paths keyed by volume uuid. Devices without a by-uuid
// link get a stable name-based uuid derived from their mount path.
func (s Scanner) Scan() (map[string]string, error) {
	file, err := os.Open(s.MountTable)
	if err != nil {
		return nil, fmt.Errorf("open mount table: %w", err)
	}
	defer file.Close()

	mounts, err := ParseMountTable(file)
	if err != nil {
		return nil, err
	}
	uuids, err := ResolveUUIDs(s.UUIDDir)
	if err != nil {
		return nil, err
	}

	found := make(map[string]string)
	for _, mount := range mounts {
		path := filepath.Clean(mount.Path)
		if !s.underRoot(path) || s.ignored(path) {
			continue
		}
		id := uuids[mount.Device]
		if id == "" {
			if resolved, err := filepath.EvalSymlinks(mount.Device); err == nil {
				id = uuids[resolved]
			}
		}
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
		}
		found[id] = path
	}
	return found, nil
}

func (s Scanner) underRoot(path string) bool {
	root := filepath.Clean(s.MountRoot)
	if path == root {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}

func (s Scanner) ignored(path string) bool {
	for _, pattern := range s.Ignored {
		if pattern == path {
			return true
		}
		if ok, err := filepath.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
