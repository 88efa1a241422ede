package ifd

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/bits"

	"github.com/gen2brain/jpegn"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// MaxSamples caps the samples a single decoded directory or chunk may hold.
const MaxSamples = 1 << 30

var (
	// ErrUnsupported is returned for pixel layouts Decode cannot read.
	ErrUnsupported = errors.New("ifd: unsupported image layout")
	// ErrTooLarge is returned when a directory's dimensions exceed
	// MaxSamples or the pixel data the file actually carries.
	ErrTooLarge = errors.New("ifd: image dimensions exceed limits")
)

// Image describes the pixel layout of one directory. Strips are treated as
// full-width tiles.
type Image struct {
	Dir             *Dir
	Width           int
	Height          int
	SamplesPerPixel int
	BitsPerSample   int
	Compression     int
	Photometric     int
	Predictor       int
	Planar          int
	ChunkWidth      int
	ChunkHeight     int
	Offsets         []uint32
	Counts          []uint32
	tiled           bool
}

// Area is width x height x samples per pixel, saturating at MaxUint64.
func (im Image) Area() uint64 {
	return mulSat(mulSat(uint64(im.Width), uint64(im.Height)), uint64(im.SamplesPerPixel))
}

func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Check rejects layouts whose image or chunk exceeds MaxSamples, and
// uncompressed layouts whose strips hold fewer bytes than the dimensions
// require.
func (im Image) Check() error {
	n := im.Area()
	if n > MaxSamples {
		return fmt.Errorf("%w: %dx%dx%d", ErrTooLarge, im.Width, im.Height, im.SamplesPerPixel)
	}
	chunk := mulSat(mulSat(uint64(im.ChunkWidth), uint64(im.ChunkHeight)), uint64(im.SamplesPerPixel))
	if chunk > MaxSamples {
		return fmt.Errorf("%w: chunk %dx%d", ErrTooLarge, im.ChunkWidth, im.ChunkHeight)
	}
	if im.Compression != CompressionNone || im.BitsPerSample <= 0 {
		return nil
	}
	need := (n*uint64(im.BitsPerSample) + 7) / 8
	var have uint64
	for _, c := range im.Counts[:len(im.Offsets)] {
		have += uint64(c)
	}
	if need > have {
		return fmt.Errorf("%w: %d bytes of pixel data, %dx%dx%d needs %d",
			ErrTooLarge, have, im.Width, im.Height, im.SamplesPerPixel, need)
	}
	return nil
}

// Image returns the layout of d, or false when d carries no pixel data.
func (d *Dir) Image() (Image, bool) {
	im := Image{
		Dir:             d,
		Width:           d.UintOr(TagImageWidth, 0),
		Height:          d.UintOr(TagImageLength, 0),
		SamplesPerPixel: d.UintOr(TagSamplesPerPixel, 1),
		BitsPerSample:   d.UintOr(TagBitsPerSample, 1),
		Compression:     d.UintOr(TagCompression, CompressionNone),
		Photometric:     d.UintOr(TagPhotometric, -1),
		Predictor:       d.UintOr(TagPredictor, 1),
		Planar:          d.UintOr(TagPlanarConfig, 1),
	}
	if im.Width <= 0 || im.Height <= 0 || im.SamplesPerPixel <= 0 {
		return Image{}, false
	}
	if d.Has(TagTileOffsets) {
		im.tiled = true
		im.ChunkWidth = d.UintOr(TagTileWidth, 0)
		im.ChunkHeight = d.UintOr(TagTileLength, 0)
		im.Offsets = d.Uints(TagTileOffsets)
		im.Counts = d.Uints(TagTileByteCounts)
	} else {
		im.ChunkWidth = im.Width
		im.ChunkHeight = d.UintOr(TagRowsPerStrip, im.Height)
		if im.ChunkHeight <= 0 || im.ChunkHeight > im.Height {
			im.ChunkHeight = im.Height
		}
		im.Offsets = d.Uints(TagStripOffsets)
		im.Counts = d.Uints(TagStripByteCounts)
	}
	if im.ChunkWidth <= 0 || im.ChunkHeight <= 0 || len(im.Offsets) == 0 || len(im.Counts) < len(im.Offsets) {
		return Image{}, false
	}
	return im, true
}

// Images lists every directory with pixel data.
func (f *File) Images() []Image {
	var out []Image
	for _, d := range f.Dirs {
		if im, ok := d.Image(); ok {
			out = append(out, im)
		}
	}
	return out
}

// Largest returns the image with the greatest Area.
func (f *File) Largest() (Image, error) {
	var best Image
	for _, im := range f.Images() {
		if im.Area() > best.Area() {
			best = im
		}
	}
	if best.Dir == nil {
		return Image{}, ErrNoImage
	}
	return best, nil
}

// Dimensions returns the size of the largest image in a TIFF-family file.
func Dimensions(data []byte) (width, height int, err error) {
	f, err := Parse(data)
	if err != nil {
		return 0, 0, err
	}
	im, err := f.Largest()
	if err != nil {
		return 0, 0, err
	}
	return im.Width, im.Height, nil
}

// ── pixel decoding ────────────────────────────────────────────────────────────

// Raster holds interleaved samples at BitsPerSample precision.
type Raster struct {
	Width         int
	Height        int
	Channels      int
	BitsPerSample int
	Pix           []uint16
}

// Decode reads the pixels of im from the file bytes. Chunky data of 8 to 16
// bits per sample is supported (depths other than 8 and 16 packed MSB
// first), uncompressed or compressed with LZW, deflate or baseline JPEG.
func (im Image) Decode(data []byte) (*Raster, error) {
	if err := im.Check(); err != nil {
		return nil, err
	}
	spp := im.SamplesPerPixel
	if spp > 1 && im.Planar != 1 {
		return nil, fmt.Errorf("%w: planar configuration %d", ErrUnsupported, im.Planar)
	}
	jpegChunks := im.Compression == CompressionJPEG || im.Compression == CompressionOldJPEG
	bps := im.BitsPerSample
	if jpegChunks {
		bps = 8
	} else if bps < 8 || bps > 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupported, bps)
	}

	r := &Raster{Width: im.Width, Height: im.Height, Channels: spp, BitsPerSample: bps,
		Pix: make([]uint16, im.Width*im.Height*spp)}
	across := (im.Width + im.ChunkWidth - 1) / im.ChunkWidth

	for i, off := range im.Offsets {
		cx, cy := (i%across)*im.ChunkWidth, (i/across)*im.ChunkHeight
		if cy >= im.Height {
			break
		}
		rows := im.ChunkHeight
		if !im.tiled {
			rows = min(rows, im.Height-cy)
		}
		end := uint64(off) + uint64(im.Counts[i])
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("ifd: chunk %d out of range", i)
		}
		raw := data[off:end]

		var block []uint16
		var err error
		if jpegChunks {
			block, err = im.jpegChunk(raw, rows)
		} else {
			block, err = im.chunk(raw, rows, bps)
		}
		if err != nil {
			return nil, fmt.Errorf("ifd: chunk %d: %w", i, err)
		}

		// Copy the visible part of the chunk into the raster.
		cols := min(im.ChunkWidth, im.Width-cx)
		for y := 0; y < rows && cy+y < im.Height; y++ {
			src := block[y*im.ChunkWidth*spp : (y*im.ChunkWidth+cols)*spp]
			copy(r.Pix[((cy+y)*im.Width+cx)*spp:], src)
		}
	}
	return r, nil
}

func (im Image) chunk(raw []byte, rows, bps int) ([]uint16, error) {
	spp := im.SamplesPerPixel
	rowSamples := im.ChunkWidth * spp
	rowBytes := (rowSamples*bps + 7) / 8
	need := rowBytes * rows

	buf, err := im.inflate(raw, need)
	if err != nil {
		return nil, err
	}
	if len(buf) < need {
		return nil, fmt.Errorf("short chunk: have %d bytes, want %d", len(buf), need)
	}

	out := make([]uint16, rowSamples*rows)
	order := im.Dir.order
	switch bps {
	case 8:
		for i := range out {
			out[i] = uint16(buf[i])
		}
	case 16:
		for i := range out {
			out[i] = order.Uint16(buf[i*2:])
		}
	default:
		for y := 0; y < rows; y++ {
			unpack(out[y*rowSamples:(y+1)*rowSamples], buf[y*rowBytes:(y+1)*rowBytes], bps)
		}
	}

	if im.Predictor == 2 {
		for y := 0; y < rows; y++ {
			row := out[y*rowSamples : (y+1)*rowSamples]
			mask := uint16(1<<bps - 1)
			for x := spp; x < len(row); x++ {
				row[x] = (row[x] + row[x-spp]) & mask
			}
		}
	}
	return out, nil
}

// unpack reads len(dst) samples of bps bits each, most significant bit first.
func unpack(dst []uint16, src []byte, bps int) {
	var acc uint32
	var n, pos int
	for i := range dst {
		for n < bps {
			acc = acc<<8 | uint32(src[pos])
			pos++
			n += 8
		}
		n -= bps
		dst[i] = uint16(acc >> n & (1<<bps - 1))
	}
}

func (im Image) inflate(raw []byte, need int) ([]byte, error) {
	var rc io.ReadCloser
	switch im.Compression {
	case CompressionNone:
		return raw, nil
	case CompressionLZW:
		rc = lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
	case CompressionDeflate, CompressionDeflateAdobe:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		rc = zr
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, im.Compression)
	}
	defer rc.Close()

	buf := make([]byte, need)
	n, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (im Image) jpegChunk(raw []byte, rows int) ([]uint16, error) {
	cfg, err := jpegn.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if mulSat(uint64(cfg.Width), uint64(cfg.Height)) > MaxSamples {
		return nil, fmt.Errorf("%w: jpeg chunk %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	img, err := jpegn.Decode(bytes.NewReader(raw), &jpegn.Options{ToRGBA: im.SamplesPerPixel >= 3})
	if err != nil {
		return nil, err
	}
	spp := im.SamplesPerPixel
	out := make([]uint16, im.ChunkWidth*rows*spp)
	b := img.Bounds()
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < im.ChunkWidth && x < b.Dx(); x++ {
			i := (y*im.ChunkWidth + x) * spp
			writeSample(out[i:i+spp], img, b.Min.X+x, b.Min.Y+y)
		}
	}
	return out, nil
}

func writeSample(dst []uint16, img image.Image, x, y int) {
	if len(dst) < 3 {
		g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
		for i := range dst {
			dst[i] = uint16(g.Y)
		}
		return
	}
	r, g, b, _ := img.At(x, y).RGBA()
	dst[0], dst[1], dst[2] = uint16(r>>8), uint16(g>>8), uint16(b>>8)
	for i := 3; i < len(dst); i++ {
		dst[i] = 0xFF
	}
}
