package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tilepane/internal/cache"
)

type Config struct {
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"console"`
	CacheDir         string        `env:"CACHE_DIR"`
	CacheMemoryTiles int           `env:"CACHE_MEMORY_TILES" envDefault:"512"`
	SourcesFile      string        `env:"SOURCES_FILE"`
	UserAgent        string        `env:"USER_AGENT"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	MetricsAddr      string        `env:"METRICS_ADDR"`
	WindowWidth      int           `env:"WINDOW_WIDTH" envDefault:"900"`
	WindowHeight     int           `env:"WINDOW_HEIGHT" envDefault:"600"`
}

// Load reads configuration from the environment, with an optional .env
// file. CacheDir falls back to the platform cache directory.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.CacheDir == "" {
		dir, err := cache.DefaultDir()
		if err != nil {
			return nil, err
		}
		cfg.CacheDir = dir
	}
	if cfg.CacheMemoryTiles < 1 {
		return nil, fmt.Errorf("CACHE_MEMORY_TILES must be at least 1, got %d", cfg.CacheMemoryTiles)
	}
	return &cfg, nil
}
