package vips

import (
	"context"
	"image/png"

	govips "github.com/davidbyttow/govips/v2/vips"
	"github.com/samber/lo"

	"github.com/Skryldev/raw-processor/adapters/encoder"
	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// WebP encodes lossy 8-bit WebP through libvips. The RGB16 input is handed
// to libvips as an uncompressed 8-bit PNG.
type WebP struct {
	DefaultQuality int
}

var _ core.Encoder = (*WebP)(nil)

func (w *WebP) MIMEType() string { return "image/webp" }

func (w *WebP) Encode(ctx context.Context, img core.RGBImage, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "vips.encode.webp", err)
	}
	staged, err := encoder.NewPNG8().Encode(ctx, img, core.EncodeOptions{CompressionLevel: int(png.NoCompression)})
	if err != nil {
		return nil, err
	}

	ref, err := govips.NewImageFromBuffer(staged)
	if err != nil {
		return nil, apperrors.WrapCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, "vips.load", err)
	}
	defer ref.Close()

	quality := opts.Quality
	if quality <= 0 {
		quality = w.DefaultQuality
	}
	ep := govips.NewWebpExportParams()
	ep.Quality = lo.Clamp(quality, 1, 100)
	ep.StripMetadata = true
	buf, _, err := ref.ExportWebp(ep)
	if err != nil {
		return nil, apperrors.WrapCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, "vips.encode.webp", err)
	}
	return buf, nil
}
