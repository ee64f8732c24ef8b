package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tilepane/internal/geo"
)

// DiskStore persists tiles as individual files, one per key. Files are
// write-once and immutable; a missing file is an ordinary cache miss,
// so externally deleted entries are tolerated.
// Layout: {root}/{sourceID}/{z}/{x}_{y}.png
type DiskStore struct {
	root  string
	loads singleflight.Group
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create tile cache directory: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// DefaultDir returns the platform cache directory for tile storage,
// e.g. ~/.cache/tilepane on Linux.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache directory: %w", err)
	}
	return filepath.Join(base, "tilepane"), nil
}

func (d *DiskStore) path(key geo.TileKey) string {
	return filepath.Join(d.root, key.SourceID, fmt.Sprintf("%d", key.Z), fmt.Sprintf("%d_%d.png", key.X, key.Y))
}

// Read returns the stored bytes for a key. The second return value
// reports whether the tile was present. Concurrent reads of the same
// key are collapsed into a single file access.
func (d *DiskStore) Read(key geo.TileKey) ([]byte, bool, error) {
	v, err, _ := d.loads.Do(key.String(), func() (any, error) {
		data, err := os.ReadFile(d.path(key))
		if os.IsNotExist(err) {
			return []byte(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read tile %s: %w", key, err)
	}
	data := v.([]byte)
	if data == nil {
		return nil, false, nil
	}
	return data, true, nil
}

// Has reports whether a tile file exists without reading it.
func (d *DiskStore) Has(key geo.TileKey) bool {
	_, err := os.Stat(d.path(key))
	return err == nil
}

// Write stores a tile atomically: the bytes land in a uniquely named
// temporary file first and are renamed into place, so a concurrent
// reader never observes a partial tile.
func (d *DiskStore) Write(key geo.TileKey, data []byte) error {
	filePath := d.path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}

	tmpPath := filePath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write tile %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename tile %s: %w", key, err)
	}
	return nil
}
