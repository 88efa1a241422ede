package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math/bits"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/ifd"
	"github.com/Skryldev/raw-processor/sensor"
)

// FallbackBackend produces colour data without a sensor decoder. It tries,
// in order, the largest embedded JPEG preview and then the largest image
// directory of the TIFF container. Single-channel directories go through a
// Bayer-recoverability check and are demosaiced as RGGB when it passes.
type FallbackBackend struct {
	PreviewMinBytes int
	Bayer           sensor.BayerCheck
	Demosaicer      sensor.Demosaicer
	Logger          core.Logger
}

var _ core.DecoderBackend = (*FallbackBackend)(nil)

// NewFallback returns a FallbackBackend configured from cfg.
func NewFallback(cfg Config) *FallbackBackend {
	minBytes := cfg.PreviewMinBytes
	if minBytes <= 0 {
		minBytes = PreviewMinBytes
	}
	return &FallbackBackend{
		PreviewMinBytes: minBytes,
		Bayer:           cfg.Bayer,
		Demosaicer:      sensor.Demosaicer{Logger: cfg.Logger},
		Logger:          cfg.Logger,
	}
}

func (f *FallbackBackend) Name() string { return "fallback" }

func (f *FallbackBackend) Available() error { return nil }

func (f *FallbackBackend) log() core.Logger {
	if f.Logger == nil {
		return core.NopLogger{}
	}
	return f.Logger
}

// Decode tries the embedded preview, then the tagged-image fallback.
func (f *FallbackBackend) Decode(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	res, err := f.Preview(ctx, data)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.log().Debug("fallback.preview.skipped", "error", err.Error())

	res, terr := f.Tagged(ctx, data)
	if terr != nil {
		return nil, fmt.Errorf("preview: %v; tagged image: %w", err, terr)
	}
	return res, nil
}

// Preview decodes the largest embedded JPEG of at least PreviewMinBytes.
// Smaller candidates are tried when a larger one does not decode.
func (f *FallbackBackend) Preview(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	minBytes := f.PreviewMinBytes
	if minBytes <= 0 {
		minBytes = PreviewMinBytes
	}
	var last error
	for _, s := range findJPEGs(data, minBytes) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, h, pix, err := decodeJPEG(data[s.start:s.end])
		if err != nil {
			f.log().Debug("fallback.preview.undecodable", "offset", s.start, "bytes", s.size(), "error", err.Error())
			last = err
			continue
		}
		f.log().Debug("fallback.preview.found", "offset", s.start, "bytes", s.size(), "width", w, "height", h)
		meta := rgbMeta(w, h)
		meta.Make, meta.Model = names(data)
		return &core.DecodeResult{
			Metadata: meta,
			Sensor:   core.AdoptBuffer(pix),
			Source:   core.SourceJPEGPreview,
			IsColor:  true,
		}, nil
	}
	if last != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNoPreview, last)
	}
	return nil, apperrors.ErrNoPreview
}

// Tagged decodes the directory with the largest width x height x samples.
func (f *FallbackBackend) Tagged(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	file, err := ifd.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnsupportedFormat, err)
	}
	im, err := file.Largest()
	if err != nil {
		return nil, err
	}
	f.log().Debug("fallback.tagged.selected",
		"dir", im.Dir.Index, "width", im.Width, "height", im.Height, "spp", im.SamplesPerPixel, "bps", im.BitsPerSample)
	if err := im.Check(); err != nil {
		return nil, dimensionError("fallback.tagged", err)
	}

	r, err := f.raster(data, im)
	if err != nil {
		if errors.Is(err, ifd.ErrTooLarge) {
			return nil, dimensionError("fallback.tagged", err)
		}
		return nil, err
	}
	white := whiteOf(im.Dir, r.BitsPerSample)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := rgbMeta(r.Width, r.Height)
	meta.Make, meta.Model = file.Lookup(ifd.TagMake), file.Lookup(ifd.TagModel)

	if r.Channels >= 3 {
		return &core.DecodeResult{
			Metadata: meta,
			Sensor:   core.AdoptBuffer(toRGB16(r, white)),
			Source:   core.SourceTIFFRGB,
			IsColor:  true,
		}, nil
	}

	gray := channel0(r)
	if sensor.LooksLikeBayer(gray, r.Width, r.Height, bits.Len(uint(white)), f.Bayer) {
		bayer := core.RawMetadata{
			Width:      r.Width,
			Height:     r.Height,
			CFAPattern: core.PatternRGGB,
			WhiteLevel: float64(white),
		}
		rgb, err := f.Demosaicer.Demosaic(ctx, gray, bayer, sensor.MethodBilinear)
		if err != nil {
			return nil, err
		}
		scaleTo16(rgb, white)
		f.log().Info("fallback.bayer.recovered", "width", r.Width, "height", r.Height)
		return &core.DecodeResult{
			Metadata: meta,
			Sensor:   core.AdoptBuffer(rgb),
			Source:   core.SourceTIFFRGB,
			IsColor:  true,
		}, nil
	}

	f.log().Warn("fallback.grayscale", "width", r.Width, "height", r.Height)
	scaleTo16(gray, white)
	rgb := make([]uint16, len(gray)*3)
	for i, v := range gray {
		rgb[i*3], rgb[i*3+1], rgb[i*3+2] = v, v, v
	}
	meta.MockSource = true
	return &core.DecodeResult{
		Metadata: meta,
		Sensor:   core.AdoptBuffer(rgb),
		Source:   core.SourceTIFFGrayscale,
		IsColor:  false,
	}, nil
}

// raster reads im. The first page goes through x/image/tiff, which covers
// palette, CMYK and YCbCr layouts the ifd reader does not.
func (f *FallbackBackend) raster(data []byte, im ifd.Image) (*ifd.Raster, error) {
	if im.Dir.Index == 0 && im.Dir.Parent == -1 {
		img, err := tiff.Decode(bytes.NewReader(data))
		if err == nil {
			return fromImage(img), nil
		}
		f.log().Debug("fallback.tagged.xtiff", "error", err.Error())
	}
	return im.Decode(data)
}

func fromImage(img image.Image) *ifd.Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch m := img.(type) {
	case *image.Gray:
		r := &ifd.Raster{Width: w, Height: h, Channels: 1, BitsPerSample: 8, Pix: make([]uint16, w*h)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.Pix[y*w+x] = uint16(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return r
	case *image.Gray16:
		r := &ifd.Raster{Width: w, Height: h, Channels: 1, BitsPerSample: 16, Pix: make([]uint16, w*h)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r.Pix[y*w+x] = m.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return r
	}
	return &ifd.Raster{Width: w, Height: h, Channels: 3, BitsPerSample: 16, Pix: rgb16(img)}
}

func rgbMeta(w, h int) core.RawMetadata {
	return core.RawMetadata{
		Width:        w,
		Height:       h,
		CFAPattern:   core.PatternRGB,
		WhiteLevel:   65535,
		WhiteBalance: [4]float64{1, 1, 1, 1},
	}
}

// names reads Make and Model when data is a TIFF-based container.
func names(data []byte) (mk, model string) {
	file, err := ifd.Parse(data)
	if err != nil {
		return "", ""
	}
	return file.Lookup(ifd.TagMake), file.Lookup(ifd.TagModel)
}

// toRGB16 keeps the first three channels, scaled so white maps to 65535.
func toRGB16(r *ifd.Raster, white int) []uint16 {
	n := r.Width * r.Height
	out := make([]uint16, n*3)
	for i := 0; i < n; i++ {
		copy(out[i*3:i*3+3], r.Pix[i*r.Channels:i*r.Channels+3])
	}
	scaleTo16(out, white)
	return out
}

func channel0(r *ifd.Raster) []uint16 {
	if r.Channels == 1 {
		return r.Pix
	}
	out := make([]uint16, r.Width*r.Height)
	for i := range out {
		out[i] = r.Pix[i*r.Channels]
	}
	return out
}

// whiteOf returns the sample ceiling of a directory: its WhiteLevel tag when
// that lies inside the bit depth, else the full range of the depth.
func whiteOf(d *ifd.Dir, bps int) int {
	full := 1<<bps - 1
	if w := d.UintOr(ifd.TagWhiteLevel, 0); w > 0 && w < full {
		return w
	}
	return full
}

// scaleTo16 maps [0, white] onto [0, 65535] in place, clamping above white.
func scaleTo16(pix []uint16, white int) {
	stretch(pix, 0, float64(white))
}

// stretch maps [black, white] onto [0, 65535] in place.
func stretch(pix []uint16, black, white float64) {
	if black <= 0 && white >= 65535 {
		return
	}
	span := white - black
	if span <= 0 {
		return
	}
	for i, v := range pix {
		x := float64(v) - black
		switch {
		case x <= 0:
			pix[i] = 0
		case x >= span:
			pix[i] = 65535
		default:
			pix[i] = uint16(x/span*65535 + 0.5)
		}
	}
}

func dimensionError(op string, err error) error {
	return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op, err)
}
