package decoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/ifd"
)

// DNGBackend reads CFA and LinearRaw directories of DNG and TIFF/EP files
// without cgo. Losslessly JPEG-compressed sensor data is not supported; such
// files fail here and fall through to the next backend.
type DNGBackend struct{}

var (
	_ core.DecoderBackend = DNGBackend{}
	_ ContainerFilter     = DNGBackend{}
)

func (DNGBackend) Name() string { return "dng" }

func (DNGBackend) Available() error { return nil }

// Accepts limits the backend to TIFF-based containers.
func (DNGBackend) Accepts(container string) bool { return container == "tiff" }

func (DNGBackend) Decode(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	const op = "dng.decode"
	file, err := ifd.Parse(data)
	if err != nil {
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op,
			fmt.Errorf("%w: %v", apperrors.ErrUnsupportedFormat, err))
	}
	im, ok := sensorImage(file)
	if !ok {
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op, apperrors.ErrNotSensorData)
	}
	if im.Compression == ifd.CompressionJPEG || im.Compression == ifd.CompressionOldJPEG {
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op,
			fmt.Errorf("%w: jpeg-compressed sensor data", ifd.ErrUnsupported))
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}

	meta := core.RawMetadata{
		Width:        im.Width,
		Height:       im.Height,
		CFAPattern:   core.PatternRGB,
		Make:         file.Lookup(ifd.TagMake),
		Model:        file.Lookup(ifd.TagModel),
		WhiteBalance: whiteBalance(file, im.Dir),
	}
	if im.Photometric == ifd.PhotometricCFA {
		cfa, ok := cfaPattern(im.Dir)
		if !ok {
			return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeUnsupportedCFA, op,
				fmt.Errorf("cfa pattern % x", im.Dir.Bytes(ifd.TagCFAPattern)))
		}
		meta.CFAPattern = cfa
	}

	r, err := im.Decode(data)
	if err != nil {
		if errors.Is(err, ifd.ErrTooLarge) {
			return nil, dimensionError(op, err)
		}
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op, err)
	}
	meta.BlackLevel = blackLevels(im.Dir)
	meta.WhiteLevel = float64(im.Dir.UintOr(ifd.TagWhiteLevel, 1<<r.BitsPerSample-1))

	pix := r.Pix
	if meta.CFAPattern == core.PatternRGB {
		// Linearize passes RGB through, so levels are applied here.
		pix = toRGB16(r, 65535)
		stretch(pix, lo.Sum(meta.BlackLevel[:])/4, meta.WhiteLevel)
		meta.BlackLevel, meta.WhiteLevel = [4]float64{}, 65535
	}
	return &core.DecodeResult{
		Metadata: meta,
		Sensor:   core.AdoptBuffer(pix),
		Source:   core.SourceNative,
		IsColor:  true,
	}, nil
}

// sensorImage picks the largest CFA (one sample) or LinearRaw (three or more
// samples) directory.
func sensorImage(f *ifd.File) (ifd.Image, bool) {
	var best ifd.Image
	for _, im := range f.Images() {
		switch {
		case im.Photometric == ifd.PhotometricCFA && im.SamplesPerPixel == 1:
		case im.Photometric == ifd.PhotometricLinearRaw && im.SamplesPerPixel >= 3:
		default:
			continue
		}
		if im.Area() > best.Area() {
			best = im
		}
	}
	return best, best.Dir != nil
}

// cfaPattern maps a 2x2 CFAPattern tag (0=R, 1=G, 2=B) to a Bayer name.
func cfaPattern(d *ifd.Dir) (core.CFAPattern, bool) {
	if dim := d.Uints(ifd.TagCFARepeatPatternDim); len(dim) == 2 && (dim[0] != 2 || dim[1] != 2) {
		return "", false
	}
	p := d.Bytes(ifd.TagCFAPattern)
	if len(p) != 4 {
		return "", false
	}
	for _, c := range []core.CFAPattern{core.PatternRGGB, core.PatternBGGR, core.PatternGRBG, core.PatternGBRG} {
		t, _ := c.Tile()
		if int(p[0]) == t[0][0] && int(p[1]) == t[0][1] && int(p[2]) == t[1][0] && int(p[3]) == t[1][1] {
			return c, true
		}
	}
	return "", false
}

// blackLevels expands BlackLevel to four values. A 2x2 repeat is taken in
// tile order; one value is replicated; longer tags are averaged.
func blackLevels(d *ifd.Dir) [4]float64 {
	var out [4]float64
	v := d.Floats(ifd.TagBlackLevel)
	switch {
	case len(v) == 0:
	case len(v) == 4:
		copy(out[:], v)
	default:
		avg := v[0]
		if len(v) > 1 {
			avg = lo.Sum(v) / float64(len(v))
		}
		out = [4]float64{avg, avg, avg, avg}
	}
	return out
}

// whiteBalance turns AsShotNeutral into multipliers normalised to green,
// laid out as R, G, B, G.
func whiteBalance(f *ifd.File, d *ifd.Dir) [4]float64 {
	n := d.Floats(ifd.TagAsShotNeutral)
	if len(n) < 3 {
		for _, other := range f.Dirs {
			if n = other.Floats(ifd.TagAsShotNeutral); len(n) >= 3 {
				break
			}
		}
	}
	if len(n) < 3 || lo.Min(n[:3]) <= 0 {
		return [4]float64{1, 1, 1, 1}
	}
	r, g, b := n[1]/n[0], 1.0, n[1]/n[2]
	return [4]float64{r, g, b, g}
}
