package sensor

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// MethodBilinear is the only implemented interpolation.
const MethodBilinear = "bilinear"

// minBandRows keeps goroutine bands large enough to amortise scheduling.
const minBandRows = 64

// ResolveMethod maps a requested method to an implemented one. ok is false
// when name was not recognised and bilinear was substituted.
func ResolveMethod(name string) (method string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", MethodBilinear:
		return MethodBilinear, true
	}
	return MethodBilinear, false
}

// Demosaicer interpolates Bayer data to interleaved RGB.
type Demosaicer struct {
	Logger  core.Logger
	Workers int // row bands processed in parallel; 0 = GOMAXPROCS
}

// Demosaic is Demosaicer{}.Demosaic.
func Demosaic(ctx context.Context, raw []uint16, meta core.RawMetadata, method string) ([]uint16, error) {
	return Demosaicer{}.Demosaic(ctx, raw, meta, method)
}

// Demosaic returns width*height*3 samples. RGB input is copied through.
// Unknown methods fall back to bilinear.
func (d Demosaicer) Demosaic(ctx context.Context, raw []uint16, meta core.RawMetadata, method string) ([]uint16, error) {
	if err := checkLayout("sensor.demosaic", raw, meta); err != nil {
		return nil, err
	}
	if meta.CFAPattern == core.PatternRGB {
		out := make([]uint16, len(raw))
		copy(out, raw)
		return out, nil
	}
	tile, ok := meta.CFAPattern.Tile()
	if !ok {
		return nil, apperrors.WithCode(apperrors.CategoryPipeline, apperrors.CodeUnsupportedCFA, "sensor.demosaic",
			fmt.Errorf("%w: CFA pattern %q", apperrors.ErrUnsupportedFormat, meta.CFAPattern))
	}
	if _, known := ResolveMethod(method); !known && d.Logger != nil {
		d.Logger.Warn("demosaic.method.fallback", "requested", method, "using", MethodBilinear)
	}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]uint16, len(raw)*3)
	if err := bilinear(ctx, raw, meta.Width, meta.Height, tile, out, workers); err != nil {
		return nil, apperrors.WithCode(apperrors.CategoryPipeline, apperrors.CodeDemosaicFail, "sensor.demosaic", err)
	}
	return out, nil
}

func bilinear(ctx context.Context, raw []uint16, w, h int, tile [2][2]int, out []uint16, workers int) error {
	band := max(minBandRows, (h+workers-1)/workers)
	g, ctx := errgroup.WithContext(ctx)
	for y0 := 0; y0 < h; y0 += band {
		y1 := min(h, y0+band)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for y := y0; y < y1; y++ {
				bilinearRow(raw, w, h, y, tile, out)
			}
			return nil
		})
	}
	return g.Wait()
}

func bilinearRow(raw []uint16, w, h, y int, tile [2][2]int, out []uint16) {
	for x := 0; x < w; x++ {
		i := y*w + x
		o := out[i*3 : i*3+3]
		v := raw[i]
		if x == 0 || y == 0 || x == w-1 || y == h-1 {
			o[0], o[1], o[2] = v, v, v
			continue
		}

		north, south, west, east := raw[i-w], raw[i+w], raw[i-1], raw[i+1]
		c := tile[y&1][x&1]
		o[c] = v
		if c == core.ChannelG {
			o[tile[y&1][(x+1)&1]] = mean2(west, east)
			o[tile[(y+1)&1][x&1]] = mean2(north, south)
			continue
		}
		o[core.ChannelG] = mean4(north, south, west, east)
		o[core.ChannelB-c] = mean4(raw[i-w-1], raw[i-w+1], raw[i+w-1], raw[i+w+1])
	}
}

func mean2(a, b uint16) uint16 { return uint16((uint32(a) + uint32(b) + 1) / 2) }

func mean4(a, b, c, d uint16) uint16 {
	return uint16((uint32(a) + uint32(b) + uint32(c) + uint32(d) + 2) / 4)
}

// ── Bayer detection ───────────────────────────────────────────────────────────

// BayerCheck tunes LooksLikeBayer.
type BayerCheck struct {
	Region    int // side of the sampled square; 0 = 100
	Threshold int // minimum 8-bit neighbour difference; 0 = 5
}

// LooksLikeBayer samples the top-left Region x Region block of a single
// channel at even strides and reports whether horizontally or vertically
// adjacent samples differ by more than Threshold on an 8-bit scale.
func LooksLikeBayer(samples []uint16, w, h, bitsPerSample int, c BayerCheck) bool {
	if w < 2 || h < 2 || len(samples) < w*h {
		return false
	}
	region, threshold := c.Region, c.Threshold
	if region <= 0 {
		region = 100
	}
	if threshold <= 0 {
		threshold = 5
	}
	shift := max(0, bitsPerSample-8)
	at := func(x, y int) int { return int(samples[y*w+x] >> shift) }

	for y := 0; y < min(region, h-1); y += 2 {
		for x := 0; x < min(region, w-1); x += 2 {
			v := at(x, y)
			if abs(v-at(x+1, y)) > threshold || abs(v-at(x, y+1)) > threshold {
				return true
			}
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
