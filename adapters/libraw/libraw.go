// Package libraw is the LibRaw-backed sensor decoder. The real binding is
// compiled with `-tags libraw` and cgo enabled and links against the
// thread-safe library (-lraw_r):
//
//	CGO_ENABLED=1 go build -tags libraw ./...
//
// Without the tag Backend reports ErrBackendUnavailable and the decoder
// chain moves on to the pure-Go backends.
package libraw

import (
	"github.com/Skryldev/raw-processor/core"
)

// Backend decodes any format LibRaw recognises into its Bayer sensor plane,
// cropped to the visible area.
type Backend struct{}

var _ core.DecoderBackend = Backend{}

// New returns a Backend.
func New() Backend { return Backend{} }

func (Backend) Name() string { return "libraw" }

// cfaFromColors turns LibRaw colour indices (0=R, 1=G, 2=B, 3=G2) of the
// top-left 2x2 block into a pattern name.
func cfaFromColors(c [2][2]int) (core.CFAPattern, bool) {
	for y := range c {
		for x := range c[y] {
			if c[y][x] == 3 {
				c[y][x] = core.ChannelG
			}
		}
	}
	for _, p := range []core.CFAPattern{core.PatternRGGB, core.PatternBGGR, core.PatternGRBG, core.PatternGBRG} {
		if t, _ := p.Tile(); t == c {
			return p, true
		}
	}
	return "", false
}

// whiteBalance normalises camera multipliers to green. A zero second green
// copies the first.
func whiteBalance(mul [4]float64) [4]float64 {
	if mul[3] == 0 {
		mul[3] = mul[1]
	}
	if mul[1] <= 0 {
		return [4]float64{1, 1, 1, 1}
	}
	g := mul[1]
	return [4]float64{mul[0] / g, 1, mul[2] / g, mul[3] / g}
}
