package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// TileSize is the edge length of a square map tile in pixels.
	TileSize = 256

	// MaxLatitude is the Web Mercator latitude limit. Tiles do not
	// cover the poles beyond this.
	MaxLatitude = 85.0511287798

	// PrefetchRadius is the extra tile margin requested beyond the
	// strictly visible area, to hide latency during small pans.
	PrefetchRadius = 2
)

// TileKey uniquely identifies one tile image across the whole system.
type TileKey struct {
	SourceID string
	Z        int
	X        int
	Y        int
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.SourceID, k.Z, k.X, k.Y)
}

// Viewport describes the visible map area: a geographic center, an
// integer zoom level and a pixel size. It is derived state, never
// persisted.
type Viewport struct {
	CenterLat float64
	CenterLon float64
	Zoom      int
	Width     int
	Height    int
}

// Clamped returns the viewport with its zoom level limited to
// [0, maxZoom].
func (v Viewport) Clamped(maxZoom int) Viewport {
	if v.Zoom < 0 {
		v.Zoom = 0
	}
	if v.Zoom > maxZoom {
		v.Zoom = maxZoom
	}
	return v
}

// Shifted returns a viewport whose center moved by the given screen
// pixel delta at the current zoom level. Positive dx moves the view
// east, positive dy moves it south. Latitude is kept inside the
// Mercator limits.
func (v Viewport) Shifted(dxPx, dyPx float64) Viewport {
	fx, fy := Fraction(v.CenterLat, v.CenterLon, v.Zoom)
	fx += dxPx / TileSize
	fy += dyPx / TileSize

	n := float64(int(1) << uint(v.Zoom))
	lat, lon := fractionToLatLon(fx, fy, n)
	v.CenterLat = clampLat(lat)
	v.CenterLon = wrapLon(lon)
	return v
}

// TileForPoint converts a geographic point to the tile coordinates
// containing it at the given zoom level, using the standard slippy-map
// (Web Mercator) projection.
func TileForPoint(lat, lon float64, zoom int) (x, y int, err error) {
	if lat > MaxLatitude || lat < -MaxLatitude {
		return 0, 0, fmt.Errorf("latitude out of range [-%v, %v]: %v", MaxLatitude, MaxLatitude, lat)
	}
	if lon > 180 || lon < -180 {
		return 0, 0, fmt.Errorf("longitude out of range [-180, 180]: %v", lon)
	}
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return int(t.X), int(t.Y), nil
}

// TileCenter returns the geographic center of a tile.
func TileCenter(z, x, y int) (lat, lon float64) {
	c := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound().Center()
	return c.Lat(), c.Lon()
}

// Fraction returns the precise, unrounded tile coordinates of a
// geographic point at the given zoom level.
func Fraction(lat, lon float64, zoom int) (fx, fy float64) {
	p := maptile.Fraction(orb.Point{lon, clampLat(lat)}, maptile.Zoom(zoom))
	return p[0], p[1]
}

// TileRange is a rectangle of tile indices at one zoom level. X indices
// are unwrapped: they may run outside [0, 2^z) when the viewport spans
// the antimeridian, so that screen placement stays contiguous. Keys
// wraps them back into range.
type TileRange struct {
	MinX, MaxX int
	MinY, MaxY int
	Zoom       int
}

// RangeForViewport computes the minimal tile rectangle covering the
// viewport's pixel footprint, expanded by PrefetchRadius in every
// direction. Y is clamped to the valid range; X is left unwrapped.
func RangeForViewport(vp Viewport) TileRange {
	fx, fy := Fraction(vp.CenterLat, vp.CenterLon, vp.Zoom)
	halfW := float64(vp.Width) / TileSize / 2
	halfH := float64(vp.Height) / TileSize / 2

	r := TileRange{
		MinX: int(math.Floor(fx-halfW)) - PrefetchRadius,
		MaxX: int(math.Floor(fx+halfW)) + PrefetchRadius,
		MinY: int(math.Floor(fy-halfH)) - PrefetchRadius,
		MaxY: int(math.Floor(fy+halfH)) + PrefetchRadius,
		Zoom: vp.Zoom,
	}

	maxIdx := (1 << uint(vp.Zoom)) - 1
	if r.MinY < 0 {
		r.MinY = 0
	}
	if r.MaxY > maxIdx {
		r.MaxY = maxIdx
	}
	return r
}

// Keys expands the range into tile keys for one source. X indices wrap
// modulo 2^z (the map repeats east-west); duplicates produced by
// wrapping at low zoom levels are dropped.
func (r TileRange) Keys(sourceID string) []TileKey {
	seen := make(map[TileKey]struct{})
	keys := make([]TileKey, 0, (r.MaxX-r.MinX+1)*(r.MaxY-r.MinY+1))
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			k := TileKey{SourceID: sourceID, Z: r.Zoom, X: WrapX(x, r.Zoom), Y: y}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Contains reports whether the (unwrapped-then-wrapped) tile at x, y is
// inside the range.
func (r TileRange) Contains(x, y int) bool {
	if y < r.MinY || y > r.MaxY {
		return false
	}
	for xi := r.MinX; xi <= r.MaxX; xi++ {
		if WrapX(xi, r.Zoom) == x {
			return true
		}
	}
	return false
}

// VisibleTiles computes the set of tiles needed to render the viewport,
// prefetch margin included.
func VisibleTiles(vp Viewport, sourceID string) []TileKey {
	return RangeForViewport(vp).Keys(sourceID)
}

// TilesForBounds enumerates the tiles covering a geographic bounding
// box at the given zoom level.
func TilesForBounds(minLat, minLon, maxLat, maxLon float64, zoom int, sourceID string) ([]TileKey, error) {
	x0, y0, err := TileForPoint(maxLat, minLon, zoom)
	if err != nil {
		return nil, err
	}
	x1, y1, err := TileForPoint(minLat, maxLon, zoom)
	if err != nil {
		return nil, err
	}
	r := TileRange{
		MinX: min(x0, x1), MaxX: max(x0, x1),
		MinY: min(y0, y1), MaxY: max(y0, y1),
		Zoom: zoom,
	}
	return r.Keys(sourceID), nil
}

// WrapX wraps a tile x index into [0, 2^z).
func WrapX(x, zoom int) int {
	n := 1 << uint(zoom)
	x %= n
	if x < 0 {
		x += n
	}
	return x
}

func wrapLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

func clampLat(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

func fractionToLatLon(fx, fy, n float64) (lat, lon float64) {
	lon = fx/n*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*fy/n)))
	lat = latRad * 180 / math.Pi
	return lat, lon
}
