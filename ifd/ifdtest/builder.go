// Package ifdtest assembles small TIFF containers for tests.
package ifdtest

import (
	"encoding/binary"
	"sort"
)

// Field types understood by Builder.
const (
	Byte      uint16 = 1
	ASCII     uint16 = 2
	Short     uint16 = 3
	Long      uint16 = 4
	Rational  uint16 = 5
	Undefined uint16 = 7
	SRational uint16 = 10
)

// Field is one directory entry. Exactly one of Values, Text, Chunks or Sub
// is used. Rational values are num/den pairs. Chunks are written out of
// line and the tag receives their offsets; Sub receives the offsets of the
// referenced Builder.Subs directories.
type Field struct {
	Tag    uint16
	Type   uint16
	Values []uint32
	Text   string
	Chunks [][]byte
	Sub    []int
}

// Dir is a list of fields; order does not matter.
type Dir []Field

// Builder lays out a TIFF file. Dirs form the main chain; Subs are only
// reachable through SubIFDs fields.
type Builder struct {
	Order binary.ByteOrder // nil = little endian
	Magic uint16           // 0 = 42
	Dirs  []Dir
	Subs  []Dir
}

// Bytes renders the file.
func (b Builder) Bytes() []byte {
	order := b.Order
	if order == nil {
		order = binary.LittleEndian
	}
	magic := b.Magic
	if magic == 0 {
		magic = 42
	}

	all := append(append([]Dir{}, b.Dirs...), b.Subs...)
	pos := make([]uint32, len(all))
	off := uint32(8)
	for i, d := range all {
		pos[i] = off
		off += 2 + 12*uint32(len(d)) + 4
	}

	out := make([]byte, off)
	if order == binary.LittleEndian {
		copy(out, "II")
	} else {
		copy(out, "MM")
	}
	order.PutUint16(out[2:], magic)
	if len(b.Dirs) > 0 {
		order.PutUint32(out[4:], pos[0])
	}

	place := func(p []byte) uint32 {
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		at := uint32(len(out))
		out = append(out, p...)
		return at
	}

	for i, d := range all {
		fields := append(Dir{}, d...)
		sort.Slice(fields, func(a, b int) bool { return fields[a].Tag < fields[b].Tag })

		base := pos[i]
		order.PutUint16(out[base:], uint16(len(fields)))
		for j, f := range fields {
			typ, count, value := encode(f, order, place, pos[len(b.Dirs):])
			var inline [4]byte
			if len(value) <= 4 {
				copy(inline[:], value)
			} else {
				order.PutUint32(inline[:], place(value))
			}
			// out may have grown; index it only after placing values.
			e := out[base+2+uint32(j)*12:]
			order.PutUint16(e[0:], f.Tag)
			order.PutUint16(e[2:], typ)
			order.PutUint32(e[4:], count)
			copy(e[8:12], inline[:])
		}
		next := uint32(0)
		if i+1 < len(b.Dirs) {
			next = pos[i+1]
		}
		order.PutUint32(out[base+2+12*uint32(len(fields)):], next)
	}
	return out
}

func encode(f Field, order binary.ByteOrder, place func([]byte) uint32, subPos []uint32) (uint16, uint32, []byte) {
	switch {
	case f.Chunks != nil:
		vals := make([]uint32, len(f.Chunks))
		for i, c := range f.Chunks {
			vals[i] = place(c)
		}
		return Long, uint32(len(vals)), longs(order, vals)
	case f.Sub != nil:
		vals := make([]uint32, len(f.Sub))
		for i, s := range f.Sub {
			vals[i] = subPos[s]
		}
		return Long, uint32(len(vals)), longs(order, vals)
	case f.Type == ASCII:
		return ASCII, uint32(len(f.Text) + 1), append([]byte(f.Text), 0)
	}

	var buf []byte
	switch f.Type {
	case Byte, Undefined:
		for _, v := range f.Values {
			buf = append(buf, byte(v))
		}
		return f.Type, uint32(len(f.Values)), buf
	case Short:
		buf = make([]byte, 2*len(f.Values))
		for i, v := range f.Values {
			order.PutUint16(buf[i*2:], uint16(v))
		}
		return Short, uint32(len(f.Values)), buf
	case Rational, SRational:
		return f.Type, uint32(len(f.Values) / 2), longs(order, f.Values)
	}
	return Long, uint32(len(f.Values)), longs(order, f.Values)
}

func longs(order binary.ByteOrder, vals []uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		order.PutUint32(buf[i*4:], v)
	}
	return buf
}

// ── convenience constructors ──────────────────────────────────────────────────

// Shorts is a SHORT field.
func Shorts(tag uint16, v ...uint32) Field { return Field{Tag: tag, Type: Short, Values: v} }

// Longs is a LONG field.
func Longs(tag uint16, v ...uint32) Field { return Field{Tag: tag, Type: Long, Values: v} }

// Text is an ASCII field.
func Text(tag uint16, s string) Field { return Field{Tag: tag, Type: ASCII, Text: s} }

// Bytes is a BYTE field.
func Bytes(tag uint16, v ...uint32) Field { return Field{Tag: tag, Type: Byte, Values: v} }

// Rationals is a RATIONAL field built from num/den pairs.
func Rationals(tag uint16, pairs ...uint32) Field {
	return Field{Tag: tag, Type: Rational, Values: pairs}
}

// Strips is a StripOffsets field pointing at chunks plus its byte counts.
func Strips(chunks ...[]byte) []Field {
	counts := make([]uint32, len(chunks))
	for i, c := range chunks {
		counts[i] = uint32(len(c))
	}
	return []Field{
		{Tag: 0x0111, Chunks: chunks},
		Longs(0x0117, counts...),
	}
}

// Uint16LE packs samples little endian.
func Uint16LE(samples []uint16) []byte {
	buf := make([]byte, 0, 2*len(samples))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, s)
	}
	return buf
}

// Uint16BE packs samples big endian.
func Uint16BE(samples []uint16) []byte {
	buf := make([]byte, 0, 2*len(samples))
	for _, s := range samples {
		buf = binary.BigEndian.AppendUint16(buf, s)
	}
	return buf
}
