package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls.
	WorkerCount int `yaml:"worker_count"` // 0 = derive from hardware concurrency
	QueueSize   int `yaml:"queue_size"`   // max queued tasks before backpressure; 0 = unbounded

	// Retry of transient step failures inside a pipeline.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Encode defaults.
	DefaultQuality int    `yaml:"default_quality"` // 1-100; default 90
	DefaultFormat  string `yaml:"default_format"`
	Software       string `yaml:"software"` // written into TIFF/PNG metadata

	// Input limits.
	MaxFileBytes int64 `yaml:"max_file_bytes"` // 0 = no limit
	ChunkSize    int   `yaml:"chunk_size"`     // reader drain chunk; default 32 KiB

	Decode   DecodeConfig   `yaml:"decode"`
	Develop  DevelopConfig  `yaml:"develop"`
	Memory   MemoryConfig   `yaml:"memory"`
	Preview  PreviewConfig  `yaml:"preview"`
	LogLevel string         `yaml:"log_level"` // "debug", "info", "warn", "error"
	Log      LogFileConfig  `yaml:"log"`
}

// DecodeConfig tunes the RAW decoder and its fallback chain.
type DecodeConfig struct {
	// Native lists native backends in preference order ("libraw", "dng").
	Native          []string `yaml:"native"`
	PreviewMinBytes int      `yaml:"preview_min_bytes"` // default 100 KiB
	BayerSampleSize int      `yaml:"bayer_sample_size"` // default 100
	BayerThreshold  int      `yaml:"bayer_threshold"`   // default 5 (8-bit levels)
}

// DevelopConfig holds the linearize/demosaic/downscale defaults.
type DevelopConfig struct {
	Normalize       bool   `yaml:"normalize"`
	DemosaicMethod  string `yaml:"demosaic_method"`  // "bilinear"
	DownscaleMethod string `yaml:"downscale_method"` // "nearest" or "smooth"
}

// MemoryConfig feeds the capability planner.
type MemoryConfig struct {
	BufferMultiplier float64 `yaml:"buffer_multiplier"` // default 2.2
	// ForceDeviceMemoryGB simulates a host with this much memory; 0 = probe.
	ForceDeviceMemoryGB float64 `yaml:"force_device_memory_gb"`
}

// PreviewConfig bounds the preview-only output.
type PreviewConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
	Quality   int `yaml:"quality"`
}

// LogFileConfig configures rotating log files for the example shell.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount:    0,
		QueueSize:      256,
		MaxRetries:     1,
		RetryDelay:     100 * time.Millisecond,
		DefaultQuality: 90,
		DefaultFormat:  "png-16",
		Software:       "raw-processor",
		ChunkSize:      32 * 1024,
		Decode: DecodeConfig{
			Native:          []string{"libraw", "dng"},
			PreviewMinBytes: 100 * 1024,
			BayerSampleSize: 100,
			BayerThreshold:  5,
		},
		Develop: DevelopConfig{
			Normalize:       true,
			DemosaicMethod:  "bilinear",
			DownscaleMethod: "nearest",
		},
		Memory: MemoryConfig{BufferMultiplier: 2.2},
		Preview: PreviewConfig{
			MaxWidth:  1920,
			MaxHeight: 1280,
			Quality:   85,
		},
		LogLevel: "info",
		Log: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return errors.New("config: DefaultQuality must be between 1 and 100")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.WorkerCount < 0 {
		return errors.New("config: WorkerCount must not be negative")
	}
	if c.QueueSize < 0 {
		return errors.New("config: QueueSize must not be negative")
	}
	if c.Memory.BufferMultiplier <= 0 {
		return errors.New("config: Memory.BufferMultiplier must be positive")
	}
	if c.Memory.ForceDeviceMemoryGB < 0 {
		return errors.New("config: Memory.ForceDeviceMemoryGB must not be negative")
	}
	if c.Decode.PreviewMinBytes < 0 {
		return errors.New("config: Decode.PreviewMinBytes must not be negative")
	}
	if c.Decode.BayerSampleSize < 2 {
		return errors.New("config: Decode.BayerSampleSize must be at least 2")
	}
	for _, n := range c.Decode.Native {
		switch n {
		case "libraw", "dng":
		default:
			return fmt.Errorf("config: unknown native backend %q", n)
		}
	}
	switch c.Develop.DownscaleMethod {
	case "", "nearest", "smooth":
	default:
		return fmt.Errorf("config: unknown downscale method %q", c.Develop.DownscaleMethod)
	}
	if c.Preview.MaxWidth <= 0 || c.Preview.MaxHeight <= 0 {
		return errors.New("config: Preview bounds must be positive")
	}
	return nil
}

// Load reads a YAML file over Default(). Missing keys keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, Validate(cfg)
}
