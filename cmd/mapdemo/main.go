// Command mapdemo opens a pannable, zoomable slippy map window backed
// by the tilepane acquisition and caching pipeline. Drag to pan,
// scroll to zoom.
package main

import (
	"bytes"
	"fmt"
	"image"
	"net/http"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilepane/internal/cache"
	"tilepane/internal/config"
	"tilepane/internal/downloader"
	"tilepane/internal/geo"
	"tilepane/internal/layer"
	"tilepane/internal/logger"
	"tilepane/internal/source"
	"tilepane/internal/texture"

	_ "image/jpeg"
	_ "image/png"
)

// ebitenUploader implements texture.Uploader on the ebiten surface:
// tile bytes are decoded once and uploaded as a GPU-backed image.
type ebitenUploader struct{}

func (ebitenUploader) Upload(data []byte) (texture.Handle, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return ebiten.NewImageFromImage(img), nil
}

func (ebitenUploader) Discard(h texture.Handle) {
	if img, ok := h.(*ebiten.Image); ok {
		img.Deallocate()
	}
}

type game struct {
	layer  *layer.Layer
	logger *zap.Logger

	vp       geo.Viewport
	dragging bool
	lastX    int
	lastY    int
}

func (g *game) Update() error {
	x, y := ebiten.CursorPosition()
	if ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft) {
		if g.dragging {
			g.vp = g.vp.Shifted(float64(g.lastX-x), float64(g.lastY-y))
		}
		g.dragging = true
		g.lastX, g.lastY = x, y
	} else {
		g.dragging = false
	}

	if _, dy := ebiten.Wheel(); dy != 0 {
		if dy > 0 {
			g.vp.Zoom++
		} else {
			g.vp.Zoom--
		}
		g.vp = g.vp.Clamped(g.layer.Source().MaxZoom)
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	frame := g.layer.Build(g.vp)
	for _, pt := range frame.Tiles {
		img, ok := pt.Handle.(*ebiten.Image)
		if !ok {
			continue
		}
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Translate(float64(pt.Rect.Min.X), float64(pt.Rect.Min.Y))
		screen.DrawImage(img, op)
	}
	ebitenutil.DebugPrintAt(screen, frame.Attribution, 8, g.vp.Height-18)
	if frame.Pending > 0 {
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("loading %d tiles...", frame.Pending), 8, 8)
	}
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	g.vp.Width, g.vp.Height = outsideWidth, outsideHeight
	return outsideWidth, outsideHeight
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	log, err := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	src := source.OpenStreetMap
	if cfg.SourcesFile != "" {
		sources, err := source.LoadFile(cfg.SourcesFile)
		if err != nil {
			log.Fatal("Failed to load tile sources", zap.Error(err))
		}
		src = sources[0]
	}

	disk, err := cache.NewDiskStore(cfg.CacheDir)
	if err != nil {
		log.Fatal("Failed to open tile store", zap.Error(err))
	}

	tileCache := cache.New(cfg.CacheMemoryTiles, disk, log)
	manager := downloader.New([]source.TileSource{src}, tileCache, cfg.UserAgent, cfg.HTTPTimeout, log)
	defer manager.Close()
	tileCache.SetFetcher(manager)

	registry := texture.NewRegistry(ebitenUploader{}, log)
	mapLayer := layer.New(src, tileCache, registry, log)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("Metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	log.Info("Starting map demo",
		zap.String("source", src.ID()),
		zap.String("cache_dir", cfg.CacheDir),
		zap.Int("memory_tiles", cfg.CacheMemoryTiles),
	)

	g := &game{
		layer:  mapLayer,
		logger: log,
		vp: geo.Viewport{
			// Helsinki city center.
			CenterLat: 60.1641,
			CenterLon: 24.9402,
			Zoom:      12,
			Width:     cfg.WindowWidth,
			Height:    cfg.WindowHeight,
		},
	}

	ebiten.SetWindowSize(cfg.WindowWidth, cfg.WindowHeight)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle("tilepane - " + src.Name)
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal("Map demo exited", zap.Error(err))
	}

	tileCache.Flush()
	log.Info("Map demo stopped")
}
