package layer

import (
	"image"
	"sync"
	"testing"

	"go.uber.org/zap"

	"tilepane/internal/cache"
	"tilepane/internal/geo"
	"tilepane/internal/source"
	"tilepane/internal/texture"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploads  int
	discards int
}

func (u *fakeUploader) Upload(data []byte) (texture.Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads++
	return u.uploads, nil
}

func (u *fakeUploader) Discard(h texture.Handle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.discards++
}

type fakeFetcher struct {
	mu   sync.Mutex
	keys map[geo.TileKey]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{keys: make(map[geo.TileKey]int)}
}

func (f *fakeFetcher) Enqueue(key geo.TileKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key]++
}

func (f *fakeFetcher) distinct() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func testLayer(t *testing.T, maxTiles int) (*Layer, *cache.Cache, *fakeFetcher, *fakeUploader) {
	t.Helper()
	src, err := source.New(source.TileSource{
		Name:        "test",
		URLTemplate: "https://{subdomain}.tiles.example.org/{z}/{x}/{y}.png",
		Subdomains:  []string{"a"},
		MaxZoom:     19,
		Attribution: "© Test",
	})
	if err != nil {
		t.Fatal(err)
	}
	c := cache.New(maxTiles, nil, zap.NewNop())
	f := newFakeFetcher()
	c.SetFetcher(f)
	u := &fakeUploader{}
	l := New(src, c, texture.NewRegistry(u, zap.NewNop()), zap.NewNop())
	return l, c, f, u
}

// Viewport centered on (0, 0), the NW corner of tile (2, 2) at zoom 2,
// so fractional tile coordinates are whole numbers and placement math
// is exact: needed range is x -1..5 (unwrapped), y 0..3.
func cornerViewport() geo.Viewport {
	return geo.Viewport{CenterLat: 0, CenterLon: 0, Zoom: 2, Width: 512, Height: 512}
}

func TestBuildPlacesReadyTile(t *testing.T) {
	l, c, _, _ := testLayer(t, 64)
	vp := cornerViewport()

	k := geo.TileKey{SourceID: "test", Z: 2, X: 2, Y: 2}
	c.Put(k, []byte("img"))

	frame := l.Build(vp)
	if frame.Attribution != "© Test" {
		t.Errorf("Attribution = %q", frame.Attribution)
	}

	var placed *PlacedTile
	for i := range frame.Tiles {
		if frame.Tiles[i].Key == k {
			placed = &frame.Tiles[i]
			break
		}
	}
	if placed == nil {
		t.Fatal("ready tile missing from frame")
	}
	want := image.Rect(256, 256, 512, 512)
	if placed.Rect != want {
		t.Errorf("Rect = %v, want %v", placed.Rect, want)
	}
}

func TestBuildRequestsMissingTiles(t *testing.T) {
	l, c, f, _ := testLayer(t, 64)
	vp := cornerViewport()

	k := geo.TileKey{SourceID: "test", Z: 2, X: 2, Y: 2}
	c.Put(k, []byte("img"))

	frame := l.Build(vp)
	c.Flush()

	// Range x -1..5 wraps to 4 distinct columns, y 0..3: 16 distinct
	// keys, one of them already ready.
	if got := f.distinct(); got != 15 {
		t.Errorf("distinct keys enqueued = %d, want 15", got)
	}
	if frame.Pending == 0 {
		t.Error("frame should report pending slots")
	}

	// A second build must not re-enqueue pending tiles.
	l.Build(vp)
	c.Flush()
	if got := f.distinct(); got != 15 {
		t.Errorf("distinct keys after second build = %d, want 15", got)
	}
}

func TestBuildDrawsWrappedWorldCopies(t *testing.T) {
	l, c, _, _ := testLayer(t, 64)
	vp := cornerViewport()

	// Column xi=-1 wraps to x=3 and xi=5 wraps to x=1: the same key
	// may appear at two screen positions.
	k := geo.TileKey{SourceID: "test", Z: 2, X: 3, Y: 1}
	c.Put(k, []byte("img"))

	frame := l.Build(vp)
	var rects []image.Rectangle
	for _, pt := range frame.Tiles {
		if pt.Key == k {
			rects = append(rects, pt.Rect)
		}
	}
	if len(rects) != 2 {
		t.Fatalf("wrapped tile drawn %d times, want 2: %v", len(rects), rects)
	}
	if rects[0] == rects[1] {
		t.Error("wrapped copies must land at different screen positions")
	}
}

func TestBuildSweepsTexturesAfterPan(t *testing.T) {
	l, c, _, u := testLayer(t, 64)
	vp := cornerViewport()

	k := geo.TileKey{SourceID: "test", Z: 2, X: 2, Y: 2}
	c.Put(k, []byte("img"))
	l.Build(vp)

	u.mu.Lock()
	if u.uploads == 0 {
		u.mu.Unlock()
		t.Fatal("expected an upload for the ready tile")
	}
	u.mu.Unlock()

	// Jump across the world: the old tile leaves the needed set and
	// its handle must be disposed.
	far := geo.Viewport{CenterLat: -40, CenterLon: 170, Zoom: 12, Width: 512, Height: 512}
	l.Build(far)

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.discards == 0 {
		t.Error("texture for off-screen tile was never discarded")
	}
}

func TestBuildClampsZoom(t *testing.T) {
	l, _, f, _ := testLayer(t, 64)
	vp := geo.Viewport{CenterLat: 0, CenterLon: 0, Zoom: 40, Width: 256, Height: 256}

	l.Build(vp)
	l.cache.Flush()

	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.keys {
		if k.Z != 19 {
			t.Errorf("enqueued key %v above source max zoom", k)
		}
	}
}

func TestEvictionDropsTexture(t *testing.T) {
	l, c, _, u := testLayer(t, 1)
	vp := cornerViewport()

	k1 := geo.TileKey{SourceID: "test", Z: 2, X: 2, Y: 2}
	c.Put(k1, []byte("img"))
	l.Build(vp)

	// Capacity one: the next Put evicts k1, which must drop its
	// texture through the eviction hook.
	c.Put(geo.TileKey{SourceID: "test", Z: 2, X: 0, Y: 0}, []byte("img"))

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.discards == 0 {
		t.Error("evicted tile's texture was not dropped")
	}
}
