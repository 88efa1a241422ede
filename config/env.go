package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// FromEnv overlays prefix-scoped environment variables on base, after
// loading any dotenv files (default ".env"). A missing dotenv file is not an
// error. Variables: <PREFIX>WORKER_COUNT, QUEUE_SIZE, DEFAULT_QUALITY,
// DEFAULT_FORMAT, MAX_FILE_BYTES, LOG_LEVEL, LOG_PATH, FORCE_DEVICE_MEMORY_GB,
// BUFFER_MULTIPLIER, DEMOSAIC_METHOD, DOWNSCALE_METHOD, NORMALIZE.
func FromEnv(base Config, prefix string, files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return base, err
	}
	e := envReader{prefix: prefix}
	c := base
	c.WorkerCount = e.int("WORKER_COUNT", c.WorkerCount)
	c.QueueSize = e.int("QUEUE_SIZE", c.QueueSize)
	c.DefaultQuality = e.int("DEFAULT_QUALITY", c.DefaultQuality)
	c.DefaultFormat = e.str("DEFAULT_FORMAT", c.DefaultFormat)
	c.MaxFileBytes = int64(e.int("MAX_FILE_BYTES", int(c.MaxFileBytes)))
	c.LogLevel = e.str("LOG_LEVEL", c.LogLevel)
	c.Log.Path = e.str("LOG_PATH", c.Log.Path)
	c.Memory.ForceDeviceMemoryGB = e.float("FORCE_DEVICE_MEMORY_GB", c.Memory.ForceDeviceMemoryGB)
	c.Memory.BufferMultiplier = e.float("BUFFER_MULTIPLIER", c.Memory.BufferMultiplier)
	c.Develop.DemosaicMethod = e.str("DEMOSAIC_METHOD", c.Develop.DemosaicMethod)
	c.Develop.DownscaleMethod = e.str("DOWNSCALE_METHOD", c.Develop.DownscaleMethod)
	c.Develop.Normalize = e.bool("NORMALIZE", c.Develop.Normalize)
	return c, Validate(c)
}

type envReader struct{ prefix string }

func (e envReader) str(key, def string) string {
	if v := os.Getenv(e.prefix + key); v != "" {
		return v
	}
	return def
}

func (e envReader) int(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(e.prefix + key)); err == nil {
		return v
	}
	return def
}

func (e envReader) float(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(e.prefix+key), 64); err == nil {
		return v
	}
	return def
}

func (e envReader) bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(e.prefix + key))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}
