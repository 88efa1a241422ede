package encoder

import (
	"bytes"
	"context"
	"image/jpeg"

	"github.com/samber/lo"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// JPEG encodes RGB16 images as 8-bit baseline JPEG. Quality 0 means
// DefaultQuality; any other value is clamped to 1-100.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 90
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) MIMEType() string { return "image/jpeg" }

func (j *JPEG) Encode(ctx context.Context, img core.RGBImage, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	if err := checkImage("jpeg.encode", img); err != nil {
		return nil, err
	}

	quality := opts.Quality
	if quality == 0 {
		quality = j.DefaultQuality
	}
	quality = lo.Clamp(quality, 1, 100)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, toRGBA8(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperrors.WrapCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, "jpeg.encode", err)
	}
	return buf.Bytes(), nil
}
