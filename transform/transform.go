// Package transform crops and rotates interleaved 16-bit RGB buffers by
// pure index remapping.
package transform

import (
	"fmt"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// ApplyCropAndRotate crops first, then rotates. A crop that clamps to an
// empty rectangle is skipped and logged; the rotation still applies. The
// input is never modified.
func ApplyCropAndRotate(img core.RGBImage, opts core.TransformOptions, log core.Logger) (core.RGBImage, error) {
	if log == nil {
		log = core.NopLogger{}
	}
	if err := img.Validate(); err != nil {
		return core.RGBImage{}, apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeTransformFail,
			"transform.apply", fmt.Errorf("%w: %v", apperrors.ErrBufferSize, err))
	}
	if err := CheckRotation(opts.Rotation); err != nil {
		return core.RGBImage{}, err
	}
	deg := opts.Rotation

	out := img
	if opts.Crop != nil {
		cropped, err := Crop(img, *opts.Crop)
		if err != nil {
			log.Warn("transform.crop.skipped", "crop", fmt.Sprintf("%+v", *opts.Crop),
				"width", img.Width, "height", img.Height, "error", err.Error())
		} else {
			out = cropped
		}
	}
	if deg != 0 {
		out = Rotate(out, deg)
	}
	return out, nil
}

// CheckRotation accepts exactly 0, 90, 180 or 270 degrees.
func CheckRotation(deg int) error {
	switch deg {
	case 0, 90, 180, 270:
		return nil
	}
	return apperrors.WithCode(apperrors.CategoryTransform, apperrors.CodeTransformFail, "transform.rotate",
		fmt.Errorf("%w: %d", apperrors.ErrInvalidRotation, deg))
}

// ClampRect limits r to a w x h image. The result may have zero area.
func ClampRect(r core.Rect, w, h int) core.Rect {
	x := min(max(r.X, 0), w-1)
	y := min(max(r.Y, 0), h-1)
	return core.Rect{
		X:      x,
		Y:      y,
		Width:  min(r.Width, w-x),
		Height: min(r.Height, h-y),
	}
}

// Crop copies the clamped rectangle into a new buffer. It returns
// ErrInvalidCrop when the clamped rectangle has no area.
func Crop(img core.RGBImage, r core.Rect) (core.RGBImage, error) {
	c := ClampRect(r, img.Width, img.Height)
	if c.Width <= 0 || c.Height <= 0 {
		return img, apperrors.New(apperrors.CategoryTransform, "transform.crop",
			fmt.Errorf("%w: %dx%d at (%d,%d)", apperrors.ErrInvalidCrop, r.Width, r.Height, r.X, r.Y))
	}
	out := make([]uint16, c.Width*c.Height*3)
	rowLen := c.Width * 3
	for y := 0; y < c.Height; y++ {
		src := ((c.Y+y)*img.Width + c.X) * 3
		copy(out[y*rowLen:(y+1)*rowLen], img.Pix[src:src+rowLen])
	}
	return core.RGBImage{Width: c.Width, Height: c.Height, Pix: out}, nil
}

// Rotate turns img clockwise by deg, which must be 0, 90, 180 or 270.
func Rotate(img core.RGBImage, deg int) core.RGBImage {
	w, h := img.Width, img.Height
	switch deg {
	case 90:
		out := make([]uint16, len(img.Pix))
		// (x, y) -> (h-1-y, x) in an h-wide image.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				copy3(out, (x*h+h-1-y)*3, img.Pix, (y*w+x)*3)
			}
		}
		return core.RGBImage{Width: h, Height: w, Pix: out}
	case 180:
		out := make([]uint16, len(img.Pix))
		n := w * h
		for i := 0; i < n; i++ {
			copy3(out, (n-1-i)*3, img.Pix, i*3)
		}
		return core.RGBImage{Width: w, Height: h, Pix: out}
	case 270:
		out := make([]uint16, len(img.Pix))
		// (x, y) -> (y, w-1-x) in an h-wide image.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				copy3(out, ((w-1-x)*h+y)*3, img.Pix, (y*w+x)*3)
			}
		}
		return core.RGBImage{Width: h, Height: w, Pix: out}
	}
	return img
}

func copy3(dst []uint16, di int, src []uint16, si int) {
	dst[di], dst[di+1], dst[di+2] = src[si], src[si+1], src[si+2]
}
