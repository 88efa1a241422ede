// Package sensor holds the pixel math between decode and encode: black-level
// linearization, Bayer demosaicing and post-demosaic downscaling. Every
// function returns a fresh buffer and leaves its input untouched.
package sensor

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

const maxSample = 65535

// lutThreshold is the buffer size above which Linearize precomputes a
// 64K-entry lookup table instead of evaluating each sample.
const lutThreshold = 1 << 16

// Linearize subtracts the mean black level and, when normalize is set,
// stretches the remaining range to 0..65535. RGB input is copied unchanged.
func Linearize(raw []uint16, meta core.RawMetadata, normalize bool) ([]uint16, error) {
	if err := checkLayout("sensor.linearize", raw, meta); err != nil {
		return nil, err
	}
	out := make([]uint16, len(raw))
	if meta.CFAPattern == core.PatternRGB {
		copy(out, raw)
		return out, nil
	}

	avgBlack := lo.Sum(meta.BlackLevel[:]) / float64(len(meta.BlackLevel))
	rng := meta.WhiteLevel - avgBlack
	if normalize && rng <= 0 {
		return nil, apperrors.WithCode(apperrors.CategoryPipeline, apperrors.CodeLinearizeFail, "sensor.linearize",
			fmt.Errorf("%w: white %.0f, mean black %.2f", apperrors.ErrInvalidLevels, meta.WhiteLevel, avgBlack))
	}

	level := func(s uint16) uint16 {
		v := math.Max(0, float64(s)-avgBlack)
		if normalize {
			v = math.Floor(v/rng*maxSample + 0.5)
		}
		return uint16(math.Min(v, maxSample))
	}

	if len(raw) < lutThreshold {
		for i, s := range raw {
			out[i] = level(s)
		}
		return out, nil
	}
	lut := make([]uint16, maxSample+1)
	for s := range lut {
		lut[s] = level(uint16(s))
	}
	for i, s := range raw {
		out[i] = lut[s]
	}
	return out, nil
}

// checkLayout rejects buffers whose length disagrees with meta.
func checkLayout(op string, buf []uint16, meta core.RawMetadata) error {
	if meta.Width <= 0 || meta.Height <= 0 {
		return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op,
			fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, meta.Width, meta.Height))
	}
	if want := meta.Width * meta.Height * meta.Channels(); len(buf) != want {
		return apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op,
			fmt.Errorf("%w: have %d samples, want %d", apperrors.ErrBufferSize, len(buf), want))
	}
	return nil
}
