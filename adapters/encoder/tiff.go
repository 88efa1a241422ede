package encoder

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// TIFF16 writes uncompressed little-endian 16-bit RGB TIFF with a single
// strip.
type TIFF16 struct{}

func NewTIFF16() *TIFF16 { return &TIFF16{} }

func (t *TIFF16) MIMEType() string { return "image/tiff" }

type tiffField struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte // little-endian value bytes
}

const (
	tiffShort    = 3
	tiffLong     = 4
	tiffASCII    = 2
	tiffRational = 5
)

func shortField(tag uint16, vals ...uint16) tiffField {
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return tiffField{tag, tiffShort, uint32(len(vals)), b}
}

func longField(tag uint16, v uint32) tiffField {
	return tiffField{tag, tiffLong, 1, binary.LittleEndian.AppendUint32(nil, v)}
}

func asciiField(tag uint16, s string) tiffField {
	b := append(latin1(s), 0)
	return tiffField{tag, tiffASCII, uint32(len(b)), b}
}

func rationalField(tag uint16, num, den uint32) tiffField {
	b := binary.LittleEndian.AppendUint32(nil, num)
	return tiffField{tag, tiffRational, 1, binary.LittleEndian.AppendUint32(b, den)}
}

func (t *TIFF16) Encode(ctx context.Context, img core.RGBImage, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "tiff16.encode", err)
	}
	if err := checkImage("tiff16.encode", img); err != nil {
		return nil, err
	}
	stripBytes := uint64(len(img.Pix)) * 2
	if stripBytes > 1<<32-1 {
		return nil, apperrors.WithCode(apperrors.CategoryEncode, apperrors.CodeEncodeFail, "tiff16.encode",
			apperrors.ErrInvalidDimensions)
	}

	fields := []tiffField{
		longField(256, uint32(img.Width)),
		longField(257, uint32(img.Height)),
		shortField(258, 16, 16, 16),
		shortField(259, 1),
		shortField(262, 2),
		longField(273, 0), // patched below
		shortField(277, 3),
		longField(278, uint32(img.Height)),
		longField(279, uint32(stripBytes)),
		rationalField(282, 72, 1),
		rationalField(283, 72, 1),
		shortField(284, 1),
		shortField(296, 2),
	}
	for tag, key := range map[uint16]string{271: "make", 272: "model", 305: "software", 306: "datetime"} {
		if v := opts.Metadata[key]; v != "" {
			fields = append(fields, asciiField(tag, v))
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	// Header, then the IFD, then out-of-line values, then the strip.
	ifdLen := 2 + 12*len(fields) + 4
	extra := 0
	for _, f := range fields {
		if len(f.data) > 4 {
			extra += len(f.data) + len(f.data)%2
		}
	}
	stripOff := 8 + ifdLen + extra

	out := make([]byte, stripOff, uint64(stripOff)+stripBytes)
	copy(out, "II")
	binary.LittleEndian.PutUint16(out[2:], 42)
	binary.LittleEndian.PutUint32(out[4:], 8)
	binary.LittleEndian.PutUint16(out[8:], uint16(len(fields)))

	next := 8 + ifdLen
	for i, f := range fields {
		e := out[10+12*i:]
		binary.LittleEndian.PutUint16(e[0:], f.tag)
		binary.LittleEndian.PutUint16(e[2:], f.typ)
		binary.LittleEndian.PutUint32(e[4:], f.count)
		switch {
		case f.tag == 273:
			binary.LittleEndian.PutUint32(e[8:], uint32(stripOff))
		case len(f.data) <= 4:
			copy(e[8:12], f.data)
		default:
			binary.LittleEndian.PutUint32(e[8:], uint32(next))
			copy(out[next:], f.data)
			next += len(f.data) + len(f.data)%2
		}
	}
	// next IFD offset stays zero

	for _, s := range img.Pix {
		out = binary.LittleEndian.AppendUint16(out, s)
	}
	return out, nil
}
