package decoder_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/Skryldev/raw-processor/adapters/decoder"
	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/ifd"
	"github.com/Skryldev/raw-processor/ifd/ifdtest"
	"github.com/Skryldev/raw-processor/sensor"
)

// ── helpers ───────────────────────────────────────────────────────────────────

// noiseJPEG encodes a w x h image of pseudo-random colour at quality 100 so
// the stream size grows with the pixel count.
func noiseJPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(12345)
	for i := range img.Pix {
		seed = seed*1664525 + 1013904223
		img.Pix[i] = uint8(seed >> 24)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func flatJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func junk(n int) []byte { return bytes.Repeat([]byte{0x5A}, n) }

func concat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func grayTIFF(w, h int, at func(x, y int) uint8) []byte {
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = at(x, y)
		}
	}
	d := ifdtest.Dir{
		ifdtest.Longs(ifd.TagImageWidth, uint32(w)),
		ifdtest.Longs(ifd.TagImageLength, uint32(h)),
		ifdtest.Shorts(ifd.TagBitsPerSample, 8),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 1),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricMinIsBlack),
		ifdtest.Shorts(ifd.TagCompression, ifd.CompressionNone),
		ifdtest.Longs(ifd.TagRowsPerStrip, uint32(h)),
		ifdtest.Text(ifd.TagMake, "Acme"),
	}
	d = append(d, ifdtest.Strips(pix)...)
	return ifdtest.Builder{Dirs: []ifdtest.Dir{d}}.Bytes()
}

// dngFile has an 8-bit RGB thumbnail in IFD0 and a 16-bit CFA image in a
// SubIFD.
func dngFile(w, h int, cfa []uint32, samples []uint16) []byte {
	thumb := ifdtest.Dir{
		ifdtest.Longs(ifd.TagNewSubfileType, 1),
		ifdtest.Longs(ifd.TagImageWidth, 2),
		ifdtest.Longs(ifd.TagImageLength, 2),
		ifdtest.Shorts(ifd.TagBitsPerSample, 8, 8, 8),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 3),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricRGB),
		ifdtest.Text(ifd.TagMake, "Acme"),
		ifdtest.Text(ifd.TagModel, "R1"),
		{Tag: ifd.TagDNGVersion, Type: ifdtest.Byte, Values: []uint32{1, 4, 0, 0}},
		ifdtest.Rationals(ifd.TagAsShotNeutral, 1, 2, 1, 1, 1, 4),
		{Tag: ifd.TagSubIFDs, Sub: []int{0}},
	}
	thumb = append(thumb, ifdtest.Strips(make([]byte, 12))...)

	raw := ifdtest.Dir{
		ifdtest.Longs(ifd.TagImageWidth, uint32(w)),
		ifdtest.Longs(ifd.TagImageLength, uint32(h)),
		ifdtest.Shorts(ifd.TagBitsPerSample, 16),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 1),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricCFA),
		ifdtest.Shorts(ifd.TagCFARepeatPatternDim, 2, 2),
		ifdtest.Bytes(ifd.TagCFAPattern, cfa...),
		ifdtest.Shorts(ifd.TagBlackLevel, 64),
		ifdtest.Shorts(ifd.TagWhiteLevel, 4095),
	}
	raw = append(raw, ifdtest.Strips(ifdtest.Uint16LE(samples))...)
	return ifdtest.Builder{Dirs: []ifdtest.Dir{thumb}, Subs: []ifdtest.Dir{raw}}.Bytes()
}

type fakeBackend struct {
	name   string
	avail  error
	result *core.DecodeResult
	err    error
	calls  int
}

func (f *fakeBackend) Name() string     { return f.name }
func (f *fakeBackend) Available() error { return f.avail }
func (f *fakeBackend) Decode(context.Context, []byte) (*core.DecodeResult, error) {
	f.calls++
	return f.result, f.err
}

func mustOpen(t *testing.T, d *decoder.Decoder, data []byte) *core.DecodeResult {
	t.Helper()
	res, err := d.OpenRaw(context.Background(), data)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	return res
}

// ── embedded preview ──────────────────────────────────────────────────────────

func TestFallback_PrefersLargePreviewOverThumbnail(t *testing.T) {
	big := noiseJPEG(t, 400, 300)
	if len(big) < decoder.PreviewMinBytes {
		t.Fatalf("test preview only %d bytes", len(big))
	}
	thumb := flatJPEG(t, 32, 24, color.RGBA{200, 10, 10, 255})
	data := concat(junk(1000), thumb, junk(500), big, junk(2000))

	res := mustOpen(t, decoder.New(decoder.Config{}), data)
	if res.Source != core.SourceJPEGPreview || !res.IsColor {
		t.Fatalf("source %s color %v", res.Source, res.IsColor)
	}
	m := res.Metadata
	if m.Width != 400 || m.Height != 300 || m.CFAPattern != core.PatternRGB || m.MockSource {
		t.Errorf("metadata %+v", m)
	}
	if res.Backend != "fallback" || res.Sensor.Len() != 400*300*3 {
		t.Errorf("backend %q, %d samples", res.Backend, res.Sensor.Len())
	}
}

func TestFallback_ThumbnailOnlyIsRejected(t *testing.T) {
	thumb := flatJPEG(t, 32, 24, color.RGBA{10, 200, 10, 255})
	_, err := decoder.New(decoder.Config{}).OpenRaw(context.Background(), concat(junk(64), thumb))
	if apperrors.CodeOf(err) != apperrors.CodeDecodeFail || !errors.Is(err, apperrors.ErrUnsupportedFormat) {
		t.Errorf("want DECODE_FAIL/ErrUnsupportedFormat, got %v", err)
	}
}

func TestFallback_PreviewScaledTo16Bit(t *testing.T) {
	thumb := flatJPEG(t, 16, 16, color.RGBA{128, 128, 128, 255})
	d := decoder.New(decoder.Config{PreviewMinBytes: 1})
	res, err := d.ExtractPreview(context.Background(), thumb)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range res.Sensor.Samples() {
		if v%257 != 0 {
			t.Fatalf("sample %d is not an 8-bit value times 257", v)
		}
	}
}

func TestFallback_MarkerWalkSkipsNestedEOI(t *testing.T) {
	outer := noiseJPEG(t, 300, 300)
	inner := flatJPEG(t, 8, 8, color.RGBA{1, 2, 3, 255})
	// APP9 segment carrying a complete JPEG, EOI included.
	app := concat([]byte{0xFF, 0xE9, byte((len(inner) + 2) >> 8), byte(len(inner) + 2)}, inner)
	spliced := concat(outer[:2], app, outer[2:])

	d := decoder.New(decoder.Config{PreviewMinBytes: len(outer)})
	res, err := d.ExtractPreview(context.Background(), concat(junk(10), spliced, junk(10)))
	if err != nil {
		t.Fatalf("spliced stream not found whole: %v", err)
	}
	if res.Metadata.Width != 300 {
		t.Errorf("width %d", res.Metadata.Width)
	}
}

// ── tagged-image fallback ─────────────────────────────────────────────────────

func TestFallback_CheckerboardRecoversColour(t *testing.T) {
	data := grayTIFF(64, 48, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 60
		}
		return 180
	})
	res := mustOpen(t, decoder.New(decoder.Config{}), data)
	if res.Source != core.SourceTIFFRGB || !res.IsColor {
		t.Fatalf("source %s color %v", res.Source, res.IsColor)
	}
	m := res.Metadata
	if m.CFAPattern != core.PatternRGB || m.MockSource || m.Make != "Acme" {
		t.Errorf("metadata %+v", m)
	}
	if res.Sensor.Len() != 64*48*3 {
		t.Errorf("%d samples", res.Sensor.Len())
	}
}

func TestFallback_FlatGrayIsHonestGrayscale(t *testing.T) {
	data := grayTIFF(40, 30, func(x, y int) uint8 { return 90 + uint8(x/20) })
	res := mustOpen(t, decoder.New(decoder.Config{}), data)
	if res.Source != core.SourceTIFFGrayscale || res.IsColor || !res.Metadata.MockSource {
		t.Fatalf("source %s color %v mock %v", res.Source, res.IsColor, res.Metadata.MockSource)
	}
	px := res.Sensor.Samples()
	if px[0] != 90*257 || px[1] != px[0] || px[2] != px[0] {
		t.Errorf("first pixel %v", px[:3])
	}
}

func TestFallback_BayerThresholdFromConfig(t *testing.T) {
	// Neighbour difference of 8 passes the default threshold but not 20.
	data := grayTIFF(32, 32, func(x, y int) uint8 { return 100 + uint8((x%2)*8) })
	res := mustOpen(t, decoder.New(decoder.Config{}), data)
	if res.Source != core.SourceTIFFRGB {
		t.Errorf("default threshold: %s", res.Source)
	}
	res = mustOpen(t, decoder.New(decoder.Config{Bayer: sensor.BayerCheck{Threshold: 20}}), data)
	if res.Source != core.SourceTIFFGrayscale {
		t.Errorf("threshold 20: %s", res.Source)
	}
}

func TestFallback_RGBTIFF(t *testing.T) {
	pix := []byte{10, 20, 30, 40, 50, 60}
	d := ifdtest.Dir{
		ifdtest.Longs(ifd.TagImageWidth, 2),
		ifdtest.Longs(ifd.TagImageLength, 1),
		ifdtest.Shorts(ifd.TagBitsPerSample, 8, 8, 8),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 3),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricRGB),
	}
	d = append(d, ifdtest.Strips(pix)...)
	res := mustOpen(t, decoder.New(decoder.Config{}), ifdtest.Builder{Dirs: []ifdtest.Dir{d}}.Bytes())
	if res.Source != core.SourceTIFFRGB {
		t.Fatalf("source %s", res.Source)
	}
	for i, v := range res.Sensor.Samples() {
		if v != uint16(pix[i])*257 {
			t.Errorf("sample %d = %d", i, v)
		}
	}
}

// subGray puts a single-channel directory in a SubIFD behind an 8-bit
// thumbnail, so it is decoded by the ifd reader rather than x/image/tiff.
func subGray(w, h, bps int, strip []byte, extra ...ifdtest.Field) []byte {
	thumb := ifdtest.Dir{
		ifdtest.Longs(ifd.TagImageWidth, 2),
		ifdtest.Longs(ifd.TagImageLength, 2),
		ifdtest.Shorts(ifd.TagBitsPerSample, 8),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 1),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricMinIsBlack),
		{Tag: ifd.TagSubIFDs, Sub: []int{0}},
	}
	thumb = append(thumb, ifdtest.Strips(make([]byte, 4))...)
	d := ifdtest.Dir{
		ifdtest.Longs(ifd.TagImageWidth, uint32(w)),
		ifdtest.Longs(ifd.TagImageLength, uint32(h)),
		ifdtest.Shorts(ifd.TagBitsPerSample, uint32(bps)),
		ifdtest.Shorts(ifd.TagSamplesPerPixel, 1),
		ifdtest.Shorts(ifd.TagPhotometric, ifd.PhotometricMinIsBlack),
	}
	d = append(append(d, extra...), ifdtest.Strips(strip)...)
	return ifdtest.Builder{Dirs: []ifdtest.Dir{thumb}, Subs: []ifdtest.Dir{d}}.Bytes()
}

// pack12 packs samples two per three bytes, MSB first. len(v) must be even.
func pack12(v []uint16) []byte {
	out := make([]byte, 0, len(v)*3/2)
	for i := 0; i < len(v); i += 2 {
		a, b := v[i], v[i+1]
		out = append(out, byte(a>>4), byte(a<<4)|byte(b>>8), byte(b))
	}
	return out
}

func TestFallback_HighBitDepthScaledTo16(t *testing.T) {
	const w, h = 8, 8
	samples := make([]uint16, w*h)
	for i := range samples {
		samples[i] = 1365
	}
	samples[w*h-1] = 4095

	cases := map[string][]byte{
		"packed 12-bit":           subGray(w, h, 12, pack12(samples)),
		"16-bit with white level": subGray(w, h, 16, ifdtest.Uint16LE(samples), ifdtest.Shorts(ifd.TagWhiteLevel, 4095)),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			res := mustOpen(t, decoder.New(decoder.Config{}), data)
			if res.Source != core.SourceTIFFGrayscale {
				t.Fatalf("source %s", res.Source)
			}
			px := res.Sensor.Samples()
			if px[0] != 21845 {
				t.Errorf("1365 of 4095 scaled to %d, want 21845", px[0])
			}
			if last := px[len(px)-1]; last != 65535 {
				t.Errorf("white scaled to %d", last)
			}
		})
	}
}

func TestDecoder_HostileDimensionsAreFatal(t *testing.T) {
	cases := []struct {
		name string
		w, h int
	}{
		{"over sample ceiling", 0xFFFFFFFF, 0x10000},
		{"product overflows", 0xFFFFFFFF, 0xFFFFFFFF},
		{"strips too short", 4000, 3000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := dngFile(tc.w, tc.h, []uint32{0, 1, 1, 2}, make([]uint16, 16))
			d := decoder.New(decoder.Config{}, decoder.DNGBackend{})

			_, err := d.OpenRaw(context.Background(), data)
			if apperrors.CodeOf(err) != apperrors.CodeInvalidRawFormat || !errors.Is(err, ifd.ErrTooLarge) {
				t.Errorf("OpenRaw: want INVALID_RAW_FORMAT, got %v", err)
			}
			_, err = d.ExtractPreview(context.Background(), data)
			if apperrors.CodeOf(err) != apperrors.CodeInvalidRawFormat || !errors.Is(err, ifd.ErrTooLarge) {
				t.Errorf("ExtractPreview: want INVALID_RAW_FORMAT, got %v", err)
			}
		})
	}
}

// ── native backends ───────────────────────────────────────────────────────────

func TestDNG_CFASubIFD(t *testing.T) {
	samples := make([]uint16, 8*6)
	for i := range samples {
		samples[i] = uint16(64 + i*10)
	}
	data := dngFile(8, 6, []uint32{0, 1, 1, 2}, samples)

	res := mustOpen(t, decoder.New(decoder.Config{}, decoder.DNGBackend{}), data)
	if res.Backend != "dng" || res.Source != core.SourceNative || !res.IsColor {
		t.Fatalf("backend %q source %s", res.Backend, res.Source)
	}
	m := res.Metadata
	if m.Width != 8 || m.Height != 6 || m.CFAPattern != core.PatternRGGB || m.MockSource {
		t.Fatalf("metadata %+v", m)
	}
	if m.BlackLevel != [4]float64{64, 64, 64, 64} || m.WhiteLevel != 4095 {
		t.Errorf("levels %v / %v", m.BlackLevel, m.WhiteLevel)
	}
	if m.WhiteBalance != [4]float64{2, 1, 4, 1} {
		t.Errorf("white balance %v", m.WhiteBalance)
	}
	if m.Make != "Acme" || m.Model != "R1" {
		t.Errorf("make/model %q %q", m.Make, m.Model)
	}
	got := res.Sensor.Samples()
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestDNG_Patterns(t *testing.T) {
	cases := map[core.CFAPattern][]uint32{
		core.PatternBGGR: {2, 1, 1, 0},
		core.PatternGRBG: {1, 0, 2, 1},
		core.PatternGBRG: {1, 2, 0, 1},
	}
	for want, cfa := range cases {
		res, err := decoder.DNGBackend{}.Decode(context.Background(), dngFile(4, 4, cfa, make([]uint16, 16)))
		if err != nil || res.Metadata.CFAPattern != want {
			t.Errorf("%s: got %v, %v", want, res, err)
		}
	}
	_, err := decoder.DNGBackend{}.Decode(context.Background(), dngFile(4, 4, []uint32{0, 0, 0, 0}, make([]uint16, 16)))
	if apperrors.CodeOf(err) != apperrors.CodeUnsupportedCFA {
		t.Errorf("want UNSUPPORTED_CFA, got %v", err)
	}
}

func TestDNG_NoSensorDataFallsBack(t *testing.T) {
	data := grayTIFF(10, 10, func(x, y int) uint8 { return 7 })
	if _, err := (decoder.DNGBackend{}).Decode(context.Background(), data); !errors.Is(err, apperrors.ErrNotSensorData) {
		t.Errorf("want ErrNotSensorData, got %v", err)
	}
	res := mustOpen(t, decoder.New(decoder.Config{}, decoder.DNGBackend{}), data)
	if res.Backend != "fallback" {
		t.Errorf("backend %q", res.Backend)
	}
}

func TestDecoder_ChainOrderAndSkips(t *testing.T) {
	data := grayTIFF(10, 10, func(x, y int) uint8 { return 7 })
	off := &fakeBackend{name: "off", avail: apperrors.ErrBackendUnavailable}
	broken := &fakeBackend{name: "broken", err: errors.New("boom")}
	d := decoder.New(decoder.Config{}, off, broken)

	res := mustOpen(t, d, data)
	if off.calls != 0 || broken.calls != 1 || res.Backend != "fallback" {
		t.Errorf("calls off=%d broken=%d backend=%q", off.calls, broken.calls, res.Backend)
	}
	if got := d.Backends(); len(got) != 3 || got[0] != "off" || got[2] != "fallback" {
		t.Errorf("backends %v", got)
	}
}

type tiffOnly struct{ fakeBackend }

func (*tiffOnly) Accepts(container string) bool { return container == "tiff" }

func TestDecoder_ContainerFilterSkipsBackends(t *testing.T) {
	tiff := grayTIFF(10, 10, func(x, y int) uint8 { return 7 })
	raf := concat([]byte("FUJIFILMCCD-RAW 0201"), junk(64), noiseJPEG(t, 400, 300))
	cases := []struct {
		name  string
		data  []byte
		calls int
	}{
		{"tiff container", tiff, 1},
		{"raf container", raf, 0},
		{"bare jpeg", noiseJPEG(t, 400, 300), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &tiffOnly{fakeBackend{name: "tiff-only", err: errors.New("unreadable")}}
			res := mustOpen(t, decoder.New(decoder.Config{}, b), tc.data)
			if b.calls != tc.calls || res.Backend != "fallback" {
				t.Errorf("calls %d want %d, backend %q", b.calls, tc.calls, res.Backend)
			}
		})
	}
	if (decoder.DNGBackend{}).Accepts("raf") || !(decoder.DNGBackend{}).Accepts("tiff") {
		t.Error("DNG backend container filter")
	}
}

func TestDecoder_InvalidDimensionsAreFatal(t *testing.T) {
	cases := map[string]*core.DecodeResult{
		"zero width":   {Metadata: core.RawMetadata{Width: 0, Height: 4, CFAPattern: core.PatternRGGB}, Sensor: core.NewBuffer(0)},
		"short buffer": {Metadata: core.RawMetadata{Width: 4, Height: 4, CFAPattern: core.PatternRGGB}, Sensor: core.NewBuffer(15)},
		"rgb length":   {Metadata: core.RawMetadata{Width: 2, Height: 2, CFAPattern: core.PatternRGB}, Sensor: core.NewBuffer(4)},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			bad := &fakeBackend{name: "bad", result: r}
			_, err := decoder.New(decoder.Config{}, bad).OpenRaw(context.Background(), []byte{1, 2, 3})
			if apperrors.CodeOf(err) != apperrors.CodeInvalidRawFormat || !apperrors.IsCategory(err, apperrors.CategoryDimension) {
				t.Errorf("want INVALID_RAW_FORMAT, got %v", err)
			}
		})
	}
}

func TestDecoder_EmptyAndCanceled(t *testing.T) {
	d := decoder.New(decoder.Config{}, decoder.DNGBackend{})
	if _, err := d.OpenRaw(context.Background(), nil); !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("empty: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.OpenRaw(ctx, []byte("II*\x00")); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: %v", err)
	}
}

func TestDecoder_ExtractPreviewSkipsNative(t *testing.T) {
	native := &fakeBackend{name: "native", err: errors.New("must not run")}
	big := noiseJPEG(t, 400, 300)
	d := decoder.New(decoder.Config{}, native)
	res, err := d.ExtractPreview(context.Background(), concat(junk(8), big))
	if err != nil {
		t.Fatal(err)
	}
	if native.calls != 0 || res.Source != core.SourceJPEGPreview {
		t.Errorf("native calls %d, source %s", native.calls, res.Source)
	}
}

func BenchmarkFindPreview(b *testing.B) {
	data := concat(junk(4<<20), noiseJPEG(b, 400, 300), junk(1<<20))
	d := decoder.New(decoder.Config{})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.ExtractPreview(ctx, data); err != nil {
			b.Fatal(err)
		}
	}
}
