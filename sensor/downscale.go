package sensor

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/Skryldev/raw-processor/core"
)

// Downscale methods.
const (
	DownscaleNearest = "nearest"
	DownscaleSmooth  = "smooth"
)

// noopFactor is the factor above which resampling is skipped.
const noopFactor = 0.98

// EffectiveFactor combines an explicit factor, the plan's factor and a
// megapixel ceiling into one scale for a w x h image. It returns 1 when no
// reduction applies.
func EffectiveFactor(w, h int, opts core.DownscaleOptions, plan *core.MemoryPlan) float64 {
	factor, maxMP := opts.Factor, opts.MaxMegapixels
	if plan != nil {
		if factor <= 0 {
			factor = plan.DownscaleFactor
		}
		if maxMP <= 0 {
			maxMP = plan.MaxMegapixels
		}
	}
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	pixels := float64(w) * float64(h)
	if maxMP > 0 && pixels > maxMP*1e6 {
		factor = math.Min(factor, math.Sqrt(maxMP*1e6/pixels))
	}
	return factor
}

// Downscale shrinks an interleaved RGB buffer. When the effective factor is
// at least 0.98 the input slice and metadata are returned as is. The
// returned metadata records the pre-downscale size and the factor.
func Downscale(rgb []uint16, meta core.RawMetadata, opts core.DownscaleOptions, plan *core.MemoryPlan) ([]uint16, core.RawMetadata, error) {
	meta.CFAPattern = core.PatternRGB
	if err := checkLayout("sensor.downscale", rgb, meta); err != nil {
		return nil, meta, err
	}
	w, h := meta.Width, meta.Height
	factor := EffectiveFactor(w, h, opts, plan)
	if factor >= noopFactor {
		return rgb, meta, nil
	}

	nw := max(1, int(math.Floor(float64(w)*factor)))
	nh := max(1, int(math.Floor(float64(h)*factor)))

	var out []uint16
	if opts.Method == DownscaleSmooth {
		out = smooth(rgb, w, h, nw, nh)
	} else {
		out = nearest(rgb, w, h, nw, nh)
	}

	if meta.OriginalWidth == 0 {
		meta.OriginalWidth, meta.OriginalHeight = w, h
	}
	meta.Width, meta.Height = nw, nh
	meta.DownscaleFactor = factor
	return out, meta, nil
}

func nearest(rgb []uint16, w, h, nw, nh int) []uint16 {
	out := make([]uint16, nw*nh*3)
	cols := make([]int, nw)
	for x := range cols {
		cols[x] = min(w-1, x*w/nw)
	}
	for y := 0; y < nh; y++ {
		sy := min(h-1, y*h/nh)
		src := rgb[sy*w*3 : (sy+1)*w*3]
		dst := out[y*nw*3 : (y+1)*nw*3]
		for x, sx := range cols {
			copy(dst[x*3:x*3+3], src[sx*3:sx*3+3])
		}
	}
	return out
}

func smooth(rgb []uint16, w, h, nw, nh int) []uint16 {
	src := ToRGBA64(rgb, w, h)
	dst := image.NewRGBA64(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return FromRGBA64(dst)
}

// ToRGBA64 wraps interleaved RGB samples in an opaque image.RGBA64.
func ToRGBA64(rgb []uint16, w, h int) *image.RGBA64 {
	img := image.NewRGBA64(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(rgb); i, j = i+3, j+8 {
		p := img.Pix[j : j+8 : j+8]
		p[0], p[1] = uint8(rgb[i]>>8), uint8(rgb[i])
		p[2], p[3] = uint8(rgb[i+1]>>8), uint8(rgb[i+1])
		p[4], p[5] = uint8(rgb[i+2]>>8), uint8(rgb[i+2])
		p[6], p[7] = 0xFF, 0xFF
	}
	return img
}

// FromRGBA64 flattens an RGBA64 image to interleaved RGB, dropping alpha.
func FromRGBA64(img *image.RGBA64) []uint16 {
	b := img.Bounds()
	out := make([]uint16, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*8 : x*8+6]
			out = append(out,
				uint16(p[0])<<8|uint16(p[1]),
				uint16(p[2])<<8|uint16(p[3]),
				uint16(p[4])<<8|uint16(p[5]))
		}
	}
	return out
}
