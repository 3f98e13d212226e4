package metadata

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// CacheFile is the name of the persisted cache under the cache directory.
const CacheFile = "astmetad-cache.toml"

// Cache persists selected fields across restarts so the robot keeps its
// hotspot settings after the usercode volume is removed.
type Cache struct {
	path string
	keys []string
	data map[string]string
}

// OpenCache reads the cache at path, keeping only keys. A missing or
// unreadable cache starts empty; stray keys are dropped and the file
// rewritten.
func OpenCache(path string, keys []string) (*Cache, error) {
	c := &Cache{path: path, keys: slices.Clone(keys), data: map[string]string{}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c, c.write()
	case err != nil:
		return nil, err
	}
	var stored map[string]string
	if err := toml.Unmarshal(raw, &stored); err != nil {
		return c, c.write()
	}
	for k, v := range stored {
		if slices.Contains(c.keys, k) {
			c.data[k] = v
		}
	}
	if len(c.data) != len(stored) {
		return c, c.write()
	}
	return c, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

// Data returns a copy of the cached fields.
func (c *Cache) Data() map[string]string { return maps.Clone(c.data) }

// Update stores the cached keys from fields, writing the file only when a
// value changed. Empty values are not cached.
func (c *Cache) Update(fields map[string]string) (bool, error) {
	next := maps.Clone(c.data)
	for _, k := range c.keys {
		if v := fields[k]; v != "" {
			next[k] = v
		}
	}
	if maps.Equal(next, c.data) {
		return false, nil
	}
	c.data = next
	return true, c.write()
}

func (c *Cache) write() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(c.data)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
