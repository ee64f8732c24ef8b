// Package source defines tile server configuration values.
package source

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultMaxZoom          = 19
	defaultConcurrencyLimit = 2
	defaultTileSize         = 256
)

// TileSource describes one remote tile server. Values are validated by
// New and treated as immutable afterwards.
type TileSource struct {
	Name             string
	URLTemplate      string
	Subdomains       []string
	MaxZoom          int
	Attribution      string
	ConcurrencyLimit int
	TileSize         int
}

// New validates a tile source and fills in defaults for zero-valued
// optional fields.
func New(s TileSource) (TileSource, error) {
	if strings.TrimSpace(s.Name) == "" {
		return TileSource{}, fmt.Errorf("tile source requires a name")
	}
	if len(s.Subdomains) == 0 {
		return TileSource{}, fmt.Errorf("tile source %q requires at least one subdomain", s.Name)
	}
	for _, p := range []string{"{subdomain}", "{z}", "{x}", "{y}"} {
		if !strings.Contains(s.URLTemplate, p) {
			return TileSource{}, fmt.Errorf("tile source %q: url template missing placeholder %s", s.Name, p)
		}
	}
	if s.MaxZoom == 0 {
		s.MaxZoom = defaultMaxZoom
	}
	if s.MaxZoom < 0 {
		return TileSource{}, fmt.Errorf("tile source %q: max zoom must not be negative", s.Name)
	}
	if s.ConcurrencyLimit == 0 {
		s.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if s.ConcurrencyLimit < 0 {
		return TileSource{}, fmt.Errorf("tile source %q: concurrency limit must not be negative", s.Name)
	}
	if s.TileSize == 0 {
		s.TileSize = defaultTileSize
	}
	return s, nil
}

// ID returns the stable identifier used in tile keys and disk cache
// paths: the lowercased name with whitespace collapsed to dashes.
func (s TileSource) ID() string {
	return strings.ToLower(strings.Join(strings.Fields(s.Name), "-"))
}

// URL substitutes subdomain and tile coordinates into the template.
func (s TileSource) URL(z, x, y int, subdomain string) string {
	r := strings.NewReplacer(
		"{subdomain}", subdomain,
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(s.URLTemplate)
}

// OpenStreetMap is the default tile source.
var OpenStreetMap = TileSource{
	Name:             "OpenStreetMap",
	URLTemplate:      "https://{subdomain}.tile.openstreetmap.org/{z}/{x}/{y}.png",
	Subdomains:       []string{"a", "b", "c"},
	MaxZoom:          19,
	Attribution:      "© OpenStreetMap contributors",
	ConcurrencyLimit: 2,
	TileSize:         256,
}
