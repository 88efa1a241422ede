// Package encoder serialises 16-bit RGB buffers to PNG, TIFF and JPEG.
// Encoders are stateless and safe for concurrent use.
package encoder

import (
	"context"
	"fmt"
	"image"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// RegisterDefaults installs the pure-Go encoders into reg.
func RegisterDefaults(reg core.Registry, jpegQuality int) {
	reg.RegisterEncoder(core.FormatPNG16, NewPNG16())
	reg.RegisterEncoder(core.FormatTIFF16, NewTIFF16())
	reg.RegisterEncoder(core.FormatPNG8, NewPNG8())
	reg.RegisterEncoder(core.FormatJPEG, NewJPEG(jpegQuality))
}

// Encode looks up the encoder for opts.Format and runs it.
func Encode(ctx context.Context, reg core.Registry, img core.RGBImage, opts core.EncodeOptions) (*core.EncodeResult, error) {
	enc, ok := reg.EncoderFor(opts.Format)
	if !ok {
		return nil, apperrors.WithCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, "encoder.encode",
			fmt.Errorf("%w: %q", apperrors.ErrUnsupportedFormat, opts.Format))
	}
	if opts.Format.Lossless() {
		opts.Quality = 0
	}
	data, err := enc.Encode(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	return &core.EncodeResult{Data: data, MIMEType: enc.MIMEType()}, nil
}

func checkImage(op string, img core.RGBImage) error {
	if err := img.Validate(); err != nil {
		return apperrors.WithCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, op,
			fmt.Errorf("%w: %v", apperrors.ErrInvalidDimensions, err))
	}
	return nil
}

// toRGBA8 drops each channel to 8 bits by shifting right 8.
func toRGBA8(img core.RGBImage) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
		dst.Pix[j] = uint8(img.Pix[i] >> 8)
		dst.Pix[j+1] = uint8(img.Pix[i+1] >> 8)
		dst.Pix[j+2] = uint8(img.Pix[i+2] >> 8)
		dst.Pix[j+3] = 0xFF
	}
	return dst
}
