// Package vips wires libvips (through govips) into the processor as an
// optional encoder for formats the pure-Go encoders do not cover.
package vips

import (
	"runtime"
	"sync"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/raw-processor/core"
)

// BackendConfig configures the libvips runtime.
type BackendConfig struct {
	DefaultQuality int // WebP quality when EncodeOptions.Quality is 0
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
	Logger         core.Logger // receives libvips warnings and errors
}

// Backend owns the libvips runtime. Safe for concurrent use.
type Backend struct {
	cfg BackendConfig
}

var startOnce sync.Once

// NewBackend starts libvips and returns a ready Backend. libvips can only
// be started once per process; later calls reuse the running instance.
// Call Shutdown at process exit.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	startOnce.Do(func() {
		log := cfg.Logger
		govips.LoggingSettings(func(domain string, level govips.LogLevel, msg string) {
			switch level {
			case govips.LogLevelError, govips.LogLevelCritical:
				log.Error("vips.log", "domain", domain, "msg", msg)
			case govips.LogLevelWarning:
				log.Warn("vips.log", "domain", domain, "msg", msg)
			default:
				log.Debug("vips.log", "domain", domain, "msg", msg)
			}
		}, govips.LogLevelWarning)
		govips.Startup(&govips.Config{
			ConcurrencyLevel: cfg.MaxWorkers,
			MaxCacheSize:     cfg.MaxCacheSize,
			ReportLeaks:      cfg.ReportLeaks,
		})
		cfg.Logger.Info("vips.started", "version", govips.Version, "workers", cfg.MaxWorkers)
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases libvips. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// WebP returns the lossy WebP encoder bound to this backend.
func (b *Backend) WebP() *WebP {
	return &WebP{DefaultQuality: b.cfg.DefaultQuality}
}

// Register installs the libvips encoders into reg.
func Register(reg core.Registry, b *Backend) {
	reg.RegisterEncoder(core.FormatWebP, b.WebP())
}
