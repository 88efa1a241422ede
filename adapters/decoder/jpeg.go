package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"sort"

	"github.com/gen2brain/jpegn"

	"github.com/Skryldev/raw-processor/ifd"
)

// span is a [start, end) byte range of one embedded JPEG stream.
type span struct{ start, end int }

func (s span) size() int { return s.end - s.start }

var soi = []byte{0xFF, 0xD8, 0xFF}

// findJPEGs returns every complete JPEG stream in data of at least minBytes,
// largest first. Streams are delimited by walking their marker segments, so
// an EOI inside an embedded thumbnail does not end the outer image.
func findJPEGs(data []byte, minBytes int) []span {
	var out []span
	for pos := 0; pos < len(data); {
		i := bytes.Index(data[pos:], soi)
		if i < 0 {
			break
		}
		start := pos + i
		end := jpegEnd(data, start)
		if end < 0 {
			pos = start + len(soi)
			continue
		}
		if end-start >= minBytes {
			out = append(out, span{start, end})
		}
		pos = end
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].size() > out[j].size() })
	return out
}

// jpegEnd returns the offset just past the EOI of the stream whose SOI is at
// start, or -1 when the stream is truncated or malformed.
func jpegEnd(data []byte, start int) int {
	i := start + 2
	for i+1 < len(data) {
		if data[i] != 0xFF {
			return -1
		}
		m := data[i+1]
		switch {
		case m == 0xFF: // fill byte
			i++
			continue
		case m == 0xD9:
			return i + 2
		case m == 0xD8:
			return -1
		case m == 0x01 || (m >= 0xD0 && m <= 0xD7):
			i += 2
			continue
		}
		if i+4 > len(data) {
			return -1
		}
		n := int(binary.BigEndian.Uint16(data[i+2:]))
		if n < 2 {
			return -1
		}
		i += 2 + n
		if m != 0xDA {
			continue
		}
		// Entropy-coded data runs to the next marker that is not a stuffed
		// zero or a restart.
		for i+1 < len(data) {
			if data[i] == 0xFF {
				if nx := data[i+1]; nx != 0x00 && (nx < 0xD0 || nx > 0xD7) {
					break
				}
				i += 2
				continue
			}
			i++
		}
	}
	return -1
}

// decodeJPEG decodes one stream to interleaved 16-bit RGB (8-bit values
// scaled by 257).
func decodeJPEG(stream []byte) (w, h int, pix []uint16, err error) {
	cfg, err := jpegn.DecodeConfig(bytes.NewReader(stream))
	if err != nil {
		return 0, 0, nil, err
	}
	if uint64(cfg.Width)*uint64(cfg.Height)*3 > ifd.MaxSamples {
		return 0, 0, nil, fmt.Errorf("%w: preview %dx%d", ifd.ErrTooLarge, cfg.Width, cfg.Height)
	}
	img, err := jpegn.Decode(bytes.NewReader(stream), &jpegn.Options{ToRGBA: true})
	if err != nil {
		return 0, 0, nil, err
	}
	w, h = img.Bounds().Dx(), img.Bounds().Dy()
	return w, h, rgb16(img), nil
}

// rgb16 flattens img to interleaved 16-bit RGB, dropping alpha.
func rgb16(img image.Image) []uint16 {
	b := img.Bounds()
	pix := make([]uint16, b.Dx()*b.Dy()*3)
	switch m := img.(type) {
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):][:b.Dx()*4]
			out := pix[y*b.Dx()*3:]
			for x := 0; x < b.Dx(); x++ {
				out[x*3] = uint16(row[x*4]) * 257
				out[x*3+1] = uint16(row[x*4+1]) * 257
				out[x*3+2] = uint16(row[x*4+2]) * 257
			}
		}
	case *image.RGBA64:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := m.RGBA64At(b.Min.X+x, b.Min.Y+y)
				i := (y*b.Dx() + x) * 3
				pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := (y*b.Dx() + x) * 3
				pix[i], pix[i+1], pix[i+2] = uint16(r), uint16(g), uint16(bl)
			}
		}
	}
	return pix
}
