package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/png"
	"sort"
	"strings"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// PNG encodes RGB16 images as 16- or 8-bit PNG with tEXt metadata.
type PNG struct {
	Depth int // 16 or 8
}

func NewPNG16() *PNG { return &PNG{Depth: 16} }

func NewPNG8() *PNG { return &PNG{Depth: 8} }

func (p *PNG) MIMEType() string { return "image/png" }

func (p *PNG) op() string {
	if p.Depth == 8 {
		return "png8.encode"
	}
	return "png16.encode"
}

func (p *PNG) Encode(ctx context.Context, img core.RGBImage, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, p.op(), err)
	}
	if err := checkImage(p.op(), img); err != nil {
		return nil, err
	}

	var src image.Image
	if p.Depth == 8 {
		src = toRGBA8(img)
	} else {
		src = toRGBA64(img)
	}

	enc := &png.Encoder{CompressionLevel: png.CompressionLevel(opts.CompressionLevel)}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, src); err != nil {
		return nil, apperrors.WrapCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, p.op(), err)
	}
	return withTextChunks(buf.Bytes(), opts.Metadata), nil
}

// toRGBA64 expands interleaved RGB to RGBA64 with opaque alpha.
func toRGBA64(img core.RGBImage) *image.RGBA64 {
	dst := image.NewRGBA64(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+8 {
		r, g, b := img.Pix[i], img.Pix[i+1], img.Pix[i+2]
		p := dst.Pix[j : j+8 : j+8]
		p[0], p[1] = uint8(r>>8), uint8(r)
		p[2], p[3] = uint8(g>>8), uint8(g)
		p[4], p[5] = uint8(b>>8), uint8(b)
		p[6], p[7] = 0xFF, 0xFF
	}
	return dst
}

// ── PNG text chunks ───────────────────────────────────────────────────────────

const pngHeaderLen = 8 + 4 + 4 + 13 + 4 // signature + IHDR chunk

// withTextChunks inserts one tEXt chunk per metadata entry after IHDR.
// Keys are title-cased PNG keywords ("software" -> "Software") and written
// in sorted order.
func withTextChunks(data []byte, meta map[string]string) []byte {
	if len(meta) == 0 || len(data) < pngHeaderLen {
		return data
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if kw := pngKeyword(k); kw != "" && meta[k] != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return data
	}
	sort.Strings(keys)

	out := make([]byte, 0, len(data)+64*len(keys))
	out = append(out, data[:pngHeaderLen]...)
	for _, k := range keys {
		out = appendChunk(out, "tEXt", append(append([]byte(pngKeyword(k)), 0), latin1(meta[k])...))
	}
	return append(out, data[pngHeaderLen:]...)
}

func appendChunk(dst []byte, typ string, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	start := len(dst)
	dst = append(dst, typ...)
	dst = append(dst, body...)
	return binary.BigEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// pngKeyword returns a valid tEXt keyword for k, or "" when nothing
// usable remains: 1-79 bytes of printable Latin-1 with no leading, trailing
// or repeated spaces.
func pngKeyword(k string) string {
	if strings.EqualFold(strings.TrimSpace(k), "datetime") {
		return "Creation Time"
	}
	out := make([]byte, 0, min(len(k), 79))
	space := true
	for _, r := range k {
		if len(out) == 79 {
			break
		}
		switch {
		case r == ' ':
			if !space {
				out = append(out, ' ')
			}
			space = true
		case printableLatin1(r):
			out = append(out, byte(r))
			space = false
		}
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	if len(out) > 0 && out[0] >= 'a' && out[0] <= 'z' {
		out[0] -= 'a' - 'A'
	}
	return string(out)
}

func printableLatin1(r rune) bool {
	return (r > 0x20 && r < 0x7F) || (r >= 0xA1 && r <= 0xFF)
}

// latin1 keeps printable ISO-8859-1 characters, spaces and linefeeds.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == ' ' || r == '\n' || printableLatin1(r) {
			out = append(out, byte(r))
		}
	}
	return out
}
