package source

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

type fileSource struct {
	Name             string   `toml:"name"`
	URLTemplate      string   `toml:"url_template"`
	Subdomains       []string `toml:"subdomains"`
	MaxZoom          int      `toml:"max_zoom"`
	Attribution      string   `toml:"attribution"`
	ConcurrencyLimit int      `toml:"concurrency_limit"`
	TileSize         int      `toml:"tile_size"`
}

type sourceFile struct {
	Sources []fileSource `toml:"sources"`
}

// LoadFile reads tile source definitions from a TOML file. Every entry
// is validated; defaults apply as in New.
func LoadFile(path string) ([]TileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var raw sourceFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if len(raw.Sources) == 0 {
		return nil, fmt.Errorf("sources file %s defines no tile sources", path)
	}

	sources := make([]TileSource, 0, len(raw.Sources))
	for _, fs := range raw.Sources {
		s, err := New(TileSource{
			Name:             fs.Name,
			URLTemplate:      fs.URLTemplate,
			Subdomains:       fs.Subdomains,
			MaxZoom:          fs.MaxZoom,
			Attribution:      fs.Attribution,
			ConcurrencyLimit: fs.ConcurrencyLimit,
			TileSize:         fs.TileSize,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}
