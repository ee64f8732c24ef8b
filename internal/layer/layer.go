// Package layer turns a viewport into a renderable set of placed
// tiles, driving the cache, downloader and texture registry without
// ever blocking on I/O.
package layer

import (
	"image"
	"math"

	"go.uber.org/zap"

	"tilepane/internal/cache"
	"tilepane/internal/geo"
	"tilepane/internal/source"
	"tilepane/internal/texture"
)

// PlacedTile is one drawable tile: a screen rectangle and the texture
// to paint into it.
type PlacedTile struct {
	Key    geo.TileKey
	Rect   image.Rectangle
	Handle texture.Handle
}

// Frame is the renderable output for one viewport. Pending counts
// slots that could not be drawn this frame (tile missing, in flight or
// failed); the host may paint placeholders for them.
type Frame struct {
	Tiles       []PlacedTile
	Attribution string
	Pending     int
}

// Layer is the per-frame entry point for one tile source.
// Not safe for concurrent use; it is driven by the single
// render/orchestration goroutine.
type Layer struct {
	src      source.TileSource
	cache    *cache.Cache
	textures *texture.Registry
	logger   *zap.Logger

	prev []geo.TileKey // texture references held for the last frame
}

// New wires a layer and registers the texture registry as the cache's
// eviction hook, so an evicted tile releases its handle.
func New(src source.TileSource, c *cache.Cache, reg *texture.Registry, logger *zap.Logger) *Layer {
	c.SetEvictionHook(reg.Drop)
	return &Layer{src: src, cache: c, textures: reg, logger: logger}
}

// Source returns the layer's tile source.
func (l *Layer) Source() source.TileSource {
	return l.src
}

// Build computes the frame for a viewport: Ready tiles are placed,
// Missing and backoff-expired Failed tiles are requested fire-and-
// forget, and textures no longer needed are swept. Never blocks on
// network or disk.
func (l *Layer) Build(vp geo.Viewport) Frame {
	vp = vp.Clamped(l.src.MaxZoom)
	r := geo.RangeForViewport(vp)
	keys := r.Keys(l.src.ID())
	l.cache.SetNeeded(keys)

	needed := make(map[geo.TileKey]struct{}, len(keys))
	for _, k := range keys {
		needed[k] = struct{}{}
	}

	for _, k := range l.prev {
		l.textures.Release(k)
	}
	l.prev = l.prev[:0]

	fx, fy := geo.Fraction(vp.CenterLat, vp.CenterLon, vp.Zoom)
	ts := l.src.TileSize
	halfW := float64(vp.Width) / 2
	halfH := float64(vp.Height) / 2

	frame := Frame{Attribution: l.src.Attribution}
	// Iterate the unwrapped range so screen placement stays
	// contiguous across the antimeridian; keys wrap per column.
	for xi := r.MinX; xi <= r.MaxX; xi++ {
		for yi := r.MinY; yi <= r.MaxY; yi++ {
			k := geo.TileKey{SourceID: l.src.ID(), Z: vp.Zoom, X: geo.WrapX(xi, vp.Zoom), Y: yi}
			rec := l.cache.Get(k)
			switch rec.State {
			case cache.StateReady:
				h, err := l.textures.Acquire(k, rec.Data)
				if err != nil {
					l.logger.Warn("texture upload failed", zap.Stringer("tile", k), zap.Error(err))
					frame.Pending++
					continue
				}
				l.prev = append(l.prev, k)
				x0 := int(math.Round((float64(xi)-fx)*float64(ts) + halfW))
				y0 := int(math.Round((float64(yi)-fy)*float64(ts) + halfH))
				frame.Tiles = append(frame.Tiles, PlacedTile{
					Key:    k,
					Rect:   image.Rect(x0, y0, x0+ts, y0+ts),
					Handle: h,
				})
			case cache.StateMissing, cache.StateFailed:
				// Request is idempotent and honors the failure
				// backoff; the slot stays empty this frame.
				l.cache.Request(k)
				frame.Pending++
			case cache.StatePending:
				frame.Pending++
			}
		}
	}

	l.textures.ReleaseUnused(needed)
	return frame
}
