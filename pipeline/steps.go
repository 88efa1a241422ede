package pipeline

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/raw-processor/adapters/encoder"
	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/sensor"
	"github.com/Skryldev/raw-processor/transform"
	"github.com/Skryldev/raw-processor/utils"
)

// Steps leave their input frame untouched until they succeed, so a retried
// step sees the same buffers. On success the input buffers are released or
// moved into the returned frame.

// Opener is the decoder surface the decode step needs. *decoder.Decoder
// satisfies it.
type Opener interface {
	OpenRaw(ctx context.Context, data []byte) (*core.DecodeResult, error)
	ExtractPreview(ctx context.Context, data []byte) (*core.DecodeResult, error)
}

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep turns Frame.Source into a sensor buffer.
type DecodeStep struct {
	Decoder Opener
	// PreviewOnly skips native backends and reads the embedded preview or
	// tagged image instead.
	PreviewOnly bool
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, f *core.Frame) (*core.Frame, error) {
	if len(f.Source) == 0 {
		return nil, apperrors.WithCode(apperrors.CategoryInput, apperrors.CodeDecodeFail, s.Name(), apperrors.ErrEmptyInput)
	}
	open := s.Decoder.OpenRaw
	if s.PreviewOnly {
		open = s.Decoder.ExtractPreview
	}
	res, err := open(ctx, f.Source)
	if err != nil {
		return nil, err
	}
	return &core.Frame{
		Meta:    res.Metadata,
		Buf:     res.Sensor.Move(),
		Decoded: res.Source,
		IsColor: res.IsColor,
		Backend: res.Backend,
	}, nil
}

// ── Linearize ─────────────────────────────────────────────────────────────────

// LinearizeStep subtracts black level and optionally normalises to 16 bits.
type LinearizeStep struct {
	Normalize bool
	Keep      bool // retain the sensor buffer in Frame.Raw
}

func (s *LinearizeStep) Name() string { return "linearize" }

func (s *LinearizeStep) Execute(_ context.Context, f *core.Frame) (*core.Frame, error) {
	if !f.Buf.Valid() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrBufferMoved)
	}
	lin, err := sensor.Linearize(f.Buf.Samples(), f.Meta, s.Normalize)
	if err != nil {
		return nil, err
	}
	out := *f
	if s.Keep {
		out.Raw = f.Buf.Move()
	} else {
		f.Buf.Release()
	}
	out.Buf = core.AdoptBuffer(lin)
	return &out, nil
}

// ── Demosaic ──────────────────────────────────────────────────────────────────

// DemosaicStep interpolates Bayer data to interleaved RGB.
type DemosaicStep struct {
	Demosaicer sensor.Demosaicer
	Method     string
	Keep       bool // retain the linear buffer in Frame.Linear
}

func (s *DemosaicStep) Name() string { return "demosaic" }

func (s *DemosaicStep) Execute(ctx context.Context, f *core.Frame) (*core.Frame, error) {
	if !f.Buf.Valid() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrBufferMoved)
	}
	rgb, err := s.Demosaicer.Demosaic(ctx, f.Buf.Samples(), f.Meta, s.Method)
	if err != nil {
		return nil, err
	}
	out := *f
	if s.Keep {
		out.Linear = f.Buf.Move()
	} else {
		f.Buf.Release()
	}
	out.Buf = core.AdoptBuffer(rgb)
	out.Meta.CFAPattern = core.PatternRGB
	return &out, nil
}

// ── Downscale ─────────────────────────────────────────────────────────────────

// DownscaleStep applies the plan- or option-driven resize to RGB frames.
type DownscaleStep struct {
	Options core.DownscaleOptions
	Plan    *core.MemoryPlan
}

func (s *DownscaleStep) Name() string { return "downscale" }

func (s *DownscaleStep) Execute(_ context.Context, f *core.Frame) (*core.Frame, error) {
	if !f.Buf.Valid() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrBufferMoved)
	}
	rgb, meta, err := sensor.Downscale(f.Buf.Samples(), f.Meta, s.Options, s.Plan)
	if err != nil {
		return nil, err
	}
	out := *f
	out.Meta = meta
	if meta.Width != f.Meta.Width || meta.Height != f.Meta.Height {
		f.Buf.Release()
		out.Buf = core.AdoptBuffer(rgb)
	} else {
		out.Buf = f.Buf.Move()
	}
	return &out, nil
}

// ── Fit ───────────────────────────────────────────────────────────────────────

// FitStep shrinks an RGB frame to fit within MaxWidth x MaxHeight, keeping
// the aspect ratio. Frames already inside the box pass through.
type FitStep struct {
	MaxWidth, MaxHeight int
	// Resampler controls quality vs speed. Defaults to draw.BiLinear.
	Resampler xdraw.Interpolator
}

func (s *FitStep) Name() string { return "fit" }

func (s *FitStep) Execute(_ context.Context, f *core.Frame) (*core.Frame, error) {
	img, err := rgbOf(s.Name(), f)
	if err != nil {
		return nil, err
	}
	w, h := img.Width, img.Height
	if s.MaxWidth > 0 && s.MaxHeight > 0 {
		w, h = utils.FitDimensions(img.Width, img.Height, s.MaxWidth, s.MaxHeight)
	}
	out := *f
	if w == img.Width && h == img.Height {
		out.Buf = f.Buf.Move()
		return &out, nil
	}

	sampler := s.Resampler
	if sampler == nil {
		sampler = xdraw.BiLinear
	}
	src := sensor.ToRGBA64(img.Pix, img.Width, img.Height)
	dst := image.NewRGBA64(image.Rect(0, 0, w, h))
	sampler.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	f.Buf.Release()
	out.Buf = core.AdoptBuffer(sensor.FromRGBA64(dst))
	if out.Meta.OriginalWidth == 0 {
		out.Meta.OriginalWidth, out.Meta.OriginalHeight = img.Width, img.Height
	}
	out.Meta.Width, out.Meta.Height = w, h
	return &out, nil
}

// ── Transform ─────────────────────────────────────────────────────────────────

// TransformStep crops and rotates an RGB frame.
type TransformStep struct {
	Options core.TransformOptions
	Logger  core.Logger
}

func (s *TransformStep) Name() string { return "transform" }

func (s *TransformStep) Execute(_ context.Context, f *core.Frame) (*core.Frame, error) {
	img, err := rgbOf(s.Name(), f)
	if err != nil {
		return nil, err
	}
	res, err := transform.ApplyCropAndRotate(img, s.Options, s.Logger)
	if err != nil {
		return nil, err
	}
	out := *f
	if &res.Pix[0] == &img.Pix[0] {
		out.Buf = f.Buf.Move()
	} else {
		f.Buf.Release()
		out.Buf = core.AdoptBuffer(res.Pix)
	}
	out.Meta.Width, out.Meta.Height = res.Width, res.Height
	return &out, nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the RGB frame through the registry. The pixel
// buffer stays on the frame.
type EncodeStep struct {
	Registry core.Registry
	Options  core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, f *core.Frame) (*core.Frame, error) {
	img, err := rgbOf(s.Name(), f)
	if err != nil {
		return nil, err
	}
	opts := s.Options
	if opts.Metadata == nil && (f.Meta.Make != "" || f.Meta.Model != "") {
		opts.Metadata = map[string]string{"make": f.Meta.Make, "model": f.Meta.Model}
	}
	res, err := encoder.Encode(ctx, s.Registry, img, opts)
	if err != nil {
		return nil, err
	}
	out := *f
	out.Buf = f.Buf.Move()
	out.Encoded, out.MIMEType = res.Data, res.MIMEType
	return &out, nil
}

// rgbOf views an RGB frame as an image.
func rgbOf(op string, f *core.Frame) (core.RGBImage, error) {
	if !f.Buf.Valid() {
		return core.RGBImage{}, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrBufferMoved)
	}
	if f.Meta.CFAPattern != core.PatternRGB {
		return core.RGBImage{}, apperrors.New(apperrors.CategoryPipeline, op,
			fmt.Errorf("%w: frame is %s sensor data, not RGB", apperrors.ErrUnsupportedFormat, f.Meta.CFAPattern))
	}
	return core.RGBImage{Width: f.Meta.Width, Height: f.Meta.Height, Pix: f.Buf.Samples()}, nil
}
