// Package downloader fetches tiles over HTTP with a bounded,
// process-lifetime worker pool per tile source.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tilepane/internal/geo"
	"tilepane/internal/metrics"
	"tilepane/internal/source"

	// Tile servers commonly serve PNG or JPEG payloads.
	_ "image/jpeg"
	_ "image/png"
)

var (
	ErrHTTPStatus    = errors.New("unexpected http status")
	ErrDecode        = errors.New("payload is not a valid image")
	ErrQueueFull     = errors.New("download queue full")
	ErrUnknownSource = errors.New("unknown tile source")
)

const (
	// DefaultUserAgent identifies the client to tile servers, which
	// commonly reject empty or browser-default agents.
	DefaultUserAgent = "tilepane/0.1"

	defaultTimeout = 15 * time.Second
	queueDepth     = 256
)

// TileStore receives fetch results; implemented by the tile cache.
type TileStore interface {
	Put(key geo.TileKey, data []byte)
	Fail(key geo.TileKey, cause error)
}

type sourcePool struct {
	src  source.TileSource
	jobs chan geo.TileKey
	next atomic.Uint32
}

// subdomain picks the next hostname round-robin, spreading requests
// across the source's mirrors.
func (p *sourcePool) subdomain() string {
	i := p.next.Add(1) - 1
	return p.src.Subdomains[int(i)%len(p.src.Subdomains)]
}

// Manager owns one worker pool per tile source. Pools are created once
// and reused for the process lifetime; Enqueue never blocks.
type Manager struct {
	pools     map[string]*sourcePool
	store     TileStore
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts ConcurrencyLimit workers for each source. userAgent and
// timeout fall back to defaults when zero-valued.
func New(sources []source.TileSource, store TileStore, userAgent string, timeout time.Duration, logger *zap.Logger) *Manager {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pools:     make(map[string]*sourcePool, len(sources)),
		store:     store,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, s := range sources {
		p := &sourcePool{src: s, jobs: make(chan geo.TileKey, queueDepth)}
		m.pools[s.ID()] = p
		for range s.ConcurrencyLimit {
			m.wg.Add(1)
			go m.worker(p)
		}
		logger.Info("download pool started",
			zap.String("source", s.ID()),
			zap.Int("workers", s.ConcurrencyLimit))
	}
	return m
}

// Enqueue places a fetch job for the key's source and returns
// immediately. A full queue fails the key so it becomes retryable
// after backoff instead of silently sticking in Pending.
func (m *Manager) Enqueue(key geo.TileKey) {
	p, ok := m.pools[key.SourceID]
	if !ok {
		m.store.Fail(key, fmt.Errorf("%w: %s", ErrUnknownSource, key.SourceID))
		return
	}
	select {
	case p.jobs <- key:
	default:
		metrics.DownloadFailures.WithLabelValues("queue_full").Inc()
		m.store.Fail(key, ErrQueueFull)
	}
}

// Close stops all workers. In-flight fetches are abandoned via context
// cancellation; queued jobs are dropped.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) worker(p *sourcePool) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case key := <-p.jobs:
			m.fetch(p, key)
		}
	}
}

func (m *Manager) fetch(p *sourcePool, key geo.TileKey) {
	start := time.Now()
	url := p.src.URL(key.Z, key.X, key.Y, p.subdomain())

	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, url, nil)
	if err != nil {
		m.fail(key, "network", fmt.Errorf("build request for %s: %w", key, err))
		return
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		m.fail(key, "network", fmt.Errorf("fetch %s: %w", key, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		m.fail(key, "http", fmt.Errorf("%w: %d fetching %s", ErrHTTPStatus, resp.StatusCode, url))
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		m.fail(key, "network", fmt.Errorf("read body for %s: %w", key, err))
		return
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		m.fail(key, "decode", fmt.Errorf("%w: %s: %v", ErrDecode, key, err))
		return
	}

	m.store.Put(key, data)
	metrics.Downloads.Inc()
	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	m.logger.Debug("tile downloaded",
		zap.Stringer("tile", key),
		zap.Int("bytes", len(data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}

func (m *Manager) fail(key geo.TileKey, cause string, err error) {
	metrics.DownloadFailures.WithLabelValues(cause).Inc()
	m.store.Fail(key, err)
}
