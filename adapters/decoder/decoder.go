// Package decoder turns RAW file bytes into sensor buffers and metadata.
//
// A Decoder owns an ordered list of native backends (authoritative sensor
// readers) and a FallbackBackend that reinterprets embedded previews and
// generic TIFF pages when no native backend can read the file.
package decoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/sensor"
	"github.com/Skryldev/raw-processor/utils"
)

// PreviewMinBytes is the smallest embedded JPEG treated as a full preview.
const PreviewMinBytes = 100 * 1024

// Config tunes the fallback path.
type Config struct {
	PreviewMinBytes int              // 0 = PreviewMinBytes
	Bayer           sensor.BayerCheck // Bayer-recoverability heuristic
	Logger          core.Logger
}

// ContainerFilter is implemented by backends that read only some container
// families. Accepts receives a utils.DetectFormat result ("tiff", "raf",
// "cr3", "jpeg", "png" or "unknown").
type ContainerFilter interface {
	Accepts(container string) bool
}

// Decoder selects a backend per file. It is safe for concurrent use.
type Decoder struct {
	mu       sync.RWMutex
	native   []core.DecoderBackend
	fallback *FallbackBackend
	logger   core.Logger
}

// New builds a Decoder that tries native in order, then the fallback.
func New(cfg Config, native ...core.DecoderBackend) *Decoder {
	log := cfg.Logger
	if log == nil {
		log = core.NopLogger{}
	}
	return &Decoder{
		native:   append([]core.DecoderBackend(nil), native...),
		fallback: NewFallback(cfg),
		logger:   log,
	}
}

// SetLogger replaces the logger used for backend selection.
func (d *Decoder) SetLogger(l core.Logger) {
	if l == nil {
		return
	}
	d.mu.Lock()
	fb := *d.fallback
	fb.Logger = l
	fb.Demosaicer.Logger = l
	d.fallback, d.logger = &fb, l
	d.mu.Unlock()
}

func (d *Decoder) snapshot() ([]core.DecoderBackend, *FallbackBackend, core.Logger) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]core.DecoderBackend(nil), d.native...), d.fallback, d.logger
}

// Register appends a native backend. Backends registered earlier win.
func (d *Decoder) Register(b core.DecoderBackend) {
	d.mu.Lock()
	d.native = append(d.native, b)
	d.mu.Unlock()
}

// Backends lists backend names in the order they are tried.
func (d *Decoder) Backends() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.native)+1)
	for _, b := range d.native {
		names = append(names, b.Name())
	}
	return append(names, d.fallback.Name())
}

// OpenRaw decodes data with the first native backend that succeeds, falling
// back to embedded previews and tagged images. A backend that returns or
// reports unusable dimensions fails the whole call.
func (d *Decoder) OpenRaw(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	if len(data) == 0 {
		return nil, apperrors.WithCode(apperrors.CategoryInput, apperrors.CodeDecodeFail, "decoder.open", apperrors.ErrEmptyInput)
	}
	native, fallback, log := d.snapshot()
	container := utils.DetectFormat(data)
	log.Debug("decoder.container", "container", container, "bytes", len(data))

	for _, b := range native {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryDecode, "decoder.open", err)
		}
		if err := b.Available(); err != nil {
			log.Debug("decoder.backend.unavailable", "backend", b.Name(), "error", err.Error())
			continue
		}
		if f, ok := b.(ContainerFilter); ok && !f.Accepts(container) {
			log.Debug("decoder.backend.skipped", "backend", b.Name(), "container", container)
			continue
		}
		res, err := b.Decode(ctx, data)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeInvalidRawFormat {
				log.Error("decoder.backend.invalid", "backend", b.Name(), "error", err.Error())
				return nil, err
			}
			log.Warn("decoder.backend.failed", "backend", b.Name(), "error", err.Error())
			continue
		}
		return d.accept(log, b.Name(), res)
	}

	res, err := fallback.Decode(ctx, data)
	if err != nil {
		return nil, fallbackError("decoder.open", err)
	}
	return d.accept(log, fallback.Name(), res)
}

// ExtractPreview runs only the fallback chain. It serves preview-only
// memory plans where the sensor data must not be loaded.
func (d *Decoder) ExtractPreview(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	if len(data) == 0 {
		return nil, apperrors.WithCode(apperrors.CategoryInput, apperrors.CodeDecodeFail, "decoder.preview", apperrors.ErrEmptyInput)
	}
	_, fallback, log := d.snapshot()
	res, err := fallback.Decode(ctx, data)
	if err != nil {
		return nil, fallbackError("decoder.preview", err)
	}
	return d.accept(log, fallback.Name(), res)
}

// fallbackError keeps INVALID_RAW_FORMAT from the fallback chain and files
// everything else as a decode failure.
func fallbackError(op string, err error) error {
	if apperrors.CodeOf(err) == apperrors.CodeInvalidRawFormat {
		return apperrors.WrapCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op, err)
	}
	return apperrors.WrapCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op, err)
}

func (d *Decoder) accept(log core.Logger, backend string, res *core.DecodeResult) (*core.DecodeResult, error) {
	if err := Validate(res); err != nil {
		log.Error("decoder.result.invalid", "backend", backend, "error", err.Error())
		return nil, err
	}
	res.Backend = backend
	log.Info("decoder.backend.selected",
		"backend", backend,
		"source", res.Source,
		"width", res.Metadata.Width,
		"height", res.Metadata.Height,
		"cfa", res.Metadata.CFAPattern,
		"mock", res.Metadata.MockSource,
	)
	return res, nil
}

// Validate rejects results with non-positive dimensions or a sensor buffer
// whose length does not match them.
func Validate(res *core.DecodeResult) error {
	const op = "decoder.validate"
	if res == nil {
		return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op, apperrors.ErrInvalidDimensions)
	}
	m := res.Metadata
	if m.Width <= 0 || m.Height <= 0 {
		return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, m.Width, m.Height))
	}
	if want := m.Width * m.Height * m.Channels(); res.Sensor.Len() != want {
		return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op,
			fmt.Errorf("%w: have %d samples, want %d", apperrors.ErrBufferSize, res.Sensor.Len(), want))
	}
	return nil
}
