package core

import (
	"context"
	"fmt"
	"time"
)

// CFAPattern names the 2x2 colour filter tile over the sensor. PatternRGB
// marks data that is already demosaiced.
type CFAPattern string

const (
	PatternRGGB CFAPattern = "RGGB"
	PatternBGGR CFAPattern = "BGGR"
	PatternGRBG CFAPattern = "GRBG"
	PatternGBRG CFAPattern = "GBRG"
	PatternRGB  CFAPattern = "RGB"
)

// Channel indices used by CFA tiles and interleaved buffers.
const (
	ChannelR = 0
	ChannelG = 1
	ChannelB = 2
)

// Tile returns the channel at [row%2][col%2] for a Bayer pattern.
func (p CFAPattern) Tile() ([2][2]int, bool) {
	switch p {
	case PatternRGGB:
		return [2][2]int{{ChannelR, ChannelG}, {ChannelG, ChannelB}}, true
	case PatternBGGR:
		return [2][2]int{{ChannelB, ChannelG}, {ChannelG, ChannelR}}, true
	case PatternGRBG:
		return [2][2]int{{ChannelG, ChannelR}, {ChannelB, ChannelG}}, true
	case PatternGBRG:
		return [2][2]int{{ChannelG, ChannelB}, {ChannelR, ChannelG}}, true
	}
	return [2][2]int{}, false
}

// RawMetadata describes a decoded sensor buffer.
type RawMetadata struct {
	Width        int
	Height       int
	CFAPattern   CFAPattern
	BlackLevel   [4]float64
	WhiteLevel   float64
	WhiteBalance [4]float64
	Make         string
	Model        string

	// Set once a downscale has been applied.
	OriginalWidth   int
	OriginalHeight  int
	DownscaleFactor float64

	// MockSource is true when a non-authoritative fallback produced the data.
	MockSource bool
}

// Channels returns the samples per pixel of the buffer described by m.
func (m RawMetadata) Channels() int {
	if m.CFAPattern == PatternRGB {
		return 3
	}
	return 1
}

// DecodeSource records which path produced a DecodeResult.
type DecodeSource string

const (
	SourceNative        DecodeSource = "native"
	SourceJPEGPreview   DecodeSource = "jpeg-preview"
	SourceTIFFRGB       DecodeSource = "tiff-rgb"
	SourceTIFFGrayscale DecodeSource = "tiff-grayscale"
)

// DecodeResult is the outcome of a successful RAW decode.
type DecodeResult struct {
	Metadata RawMetadata
	Sensor   *Buffer
	Source   DecodeSource
	IsColor  bool
	Backend  string // name of the backend that produced the result
}

// MemoryTier is the planner's verdict on how much of the image can be held.
type MemoryTier string

const (
	TierFull        MemoryTier = "full-resolution"
	TierReduced     MemoryTier = "reduced-resolution"
	TierPreviewOnly MemoryTier = "preview-only"
)

// MemoryPlan is produced by the capability planner before any decode.
type MemoryPlan struct {
	Tier                  MemoryTier
	Reason                string
	DownscaleFactor       float64 // 0 when not set
	MaxMegapixels         float64 // 0 when not set
	EstimatedWorkingSetMB float64
}

// DeviceCapabilities is an immutable snapshot of what the host can do.
type DeviceCapabilities struct {
	DeviceMemory        *float64   `json:"deviceMemory"` // GB, nil when unknown
	HardwareConcurrency int        `json:"hardwareConcurrency"`
	WebGL2              bool       `json:"webgl2"`
	WebGPU              bool       `json:"webgpu"`
	WasmSIMD            bool       `json:"wasmSimd"`
	WebCodecs           bool       `json:"webCodecs"`
	SharedArrayBuffer   bool       `json:"sharedArrayBuffer"`
	CrossOriginIsolated bool       `json:"crossOriginIsolated"`
	MemoryTier          MemoryTier `json:"memoryTier"`
	Notes               []string   `json:"notes"`
}

// Rect is a crop rectangle in source pixel coordinates.
type Rect struct {
	X, Y, Width, Height int
}

// TransformOptions selects a crop (applied first) and a rotation.
type TransformOptions struct {
	Crop     *Rect
	Rotation int // 0, 90, 180 or 270
}

// OutputFormat identifies an encoder.
type OutputFormat string

const (
	FormatPNG16  OutputFormat = "png-16"
	FormatTIFF16 OutputFormat = "tiff-16"
	FormatPNG8   OutputFormat = "png-8"
	FormatJPEG   OutputFormat = "jpeg"
	FormatWebP   OutputFormat = "webp"
)

// Lossless reports whether f preserves all 16 bits.
func (f OutputFormat) Lossless() bool { return f == FormatPNG16 || f == FormatTIFF16 }

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Format   OutputFormat
	Quality  int               // 1-100; 0 = encoder default; ignored for lossless
	Metadata map[string]string // software, make, model, datetime, ...
	// CompressionLevel applies to PNG output: 0 default, -1 none,
	// -2 best speed, -3 best compression.
	CompressionLevel int
}

// EncodeResult holds encoded bytes and their MIME type.
type EncodeResult struct {
	Data     []byte
	MIMEType string
}

// RGBImage is a view over an interleaved 16-bit RGB buffer.
type RGBImage struct {
	Width  int
	Height int
	Pix    []uint16
}

// Validate checks that Pix matches the dimensions.
func (img RGBImage) Validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%dx%d: non-positive dimensions", img.Width, img.Height)
	}
	if len(img.Pix) != img.Width*img.Height*3 {
		return fmt.Errorf("have %d samples, want %d", len(img.Pix), img.Width*img.Height*3)
	}
	return nil
}

// Frame is the unit passed between pipeline steps.
type Frame struct {
	// Source holds the file bytes until a decode step consumes them.
	Source []byte

	Meta    RawMetadata
	Buf     *Buffer
	Decoded DecodeSource
	IsColor bool
	Backend string

	// Intermediates retained on request by the linearize and demosaic steps.
	Raw    *Buffer
	Linear *Buffer

	// Set by encode steps.
	Encoded  []byte
	MIMEType string
}

// Step is the fundamental pipeline building block.  Each Step transforms a
// *Frame and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, f *Frame) (*Frame, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, f *Frame)
	AfterStep(ctx context.Context, stepName string, f *Frame, d time.Duration, err error)
}
