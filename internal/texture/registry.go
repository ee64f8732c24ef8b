// Package texture deduplicates host-surface uploads of tile images and
// tracks handle lifetimes by reference count.
package texture

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tilepane/internal/geo"
)

// Handle is an opaque render-surface resource produced by the host's
// Uploader.
type Handle any

// Uploader is implemented by the host drawing surface. Upload turns
// decoded tile bytes into a drawable resource; Discard releases it.
type Uploader interface {
	Upload(data []byte) (Handle, error)
	Discard(h Handle)
}

type texEntry struct {
	handle Handle
	refs   int
}

// Registry guarantees at most one upload per tile key at any time and
// keeps zero-referenced handles cached until a sweep disposes them.
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	uploader Uploader
	entries  map[geo.TileKey]*texEntry
	logger   *zap.Logger
}

func NewRegistry(uploader Uploader, logger *zap.Logger) *Registry {
	return &Registry{
		uploader: uploader,
		entries:  make(map[geo.TileKey]*texEntry),
		logger:   logger,
	}
}

// Acquire returns the handle for a key, uploading the bytes only if no
// handle exists yet. Each Acquire must be balanced by one Release.
func (r *Registry) Acquire(key geo.TileKey, data []byte) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.handle, nil
	}

	h, err := r.uploader.Upload(data)
	if err != nil {
		return nil, fmt.Errorf("upload tile %s: %w", key, err)
	}
	r.entries[key] = &texEntry{handle: h, refs: 1}
	return h, nil
}

// Release decrements a key's reference count. The handle stays cached
// at zero references until ReleaseUnused or Drop disposes it.
func (r *Registry) Release(key geo.TileKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
}

// Drop discards a key's handle immediately, regardless of references.
// Used when the backing tile record is evicted from the cache.
func (r *Registry) Drop(key geo.TileKey) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if ok {
		r.uploader.Discard(e.handle)
	}
}

// ReleaseUnused disposes every zero-referenced handle whose key is not
// in the needed set, bounding host-surface resource usage as the
// viewport moves. Returns the number of handles discarded.
func (r *Registry) ReleaseUnused(needed map[geo.TileKey]struct{}) int {
	r.mu.Lock()
	var drop []Handle
	for k, e := range r.entries {
		if e.refs > 0 {
			continue
		}
		if _, ok := needed[k]; ok {
			continue
		}
		drop = append(drop, e.handle)
		delete(r.entries, k)
	}
	r.mu.Unlock()

	for _, h := range drop {
		r.uploader.Discard(h)
	}
	if len(drop) > 0 {
		r.logger.Debug("disposed unused textures", zap.Int("count", len(drop)))
	}
	return len(drop)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
