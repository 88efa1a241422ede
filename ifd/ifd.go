// Package ifd reads the image file directories of TIFF-based containers:
// plain TIFF, DNG and the vendor RAW formats built on it (CR2, NEF, ARW,
// ORF, RW2 and friends).
package ifd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Accepted header magic numbers.
const (
	magicTIFF      = 42
	magicORF       = 0x4F52 // "IIRO" / "MMOR"
	magicORFSmall  = 0x5352 // "IIRS"
	magicPanasonic = 0x0055 // "IIU\0"
)

const (
	maxDirs    = 64
	maxEntries = 4096
)

var (
	// ErrNotTIFF is returned when data lacks a TIFF-family header.
	ErrNotTIFF = errors.New("ifd: not a TIFF container")
	// ErrNoImage is returned when no directory describes readable pixels.
	ErrNoImage = errors.New("ifd: no image directory")
)

// Entry is a single tag as stored in a directory.
type Entry struct {
	Tag   uint16
	Type  uint16
	Count uint32
	value []byte
}

// Dir is one image file directory. Parent is -1 for the main chain and the
// index of the owning directory for SubIFDs.
type Dir struct {
	Index   int
	Offset  uint32
	Parent  int
	Entries map[uint16]Entry
	order   binary.ByteOrder
}

// File is a parsed container.
type File struct {
	Order binary.ByteOrder
	Magic uint16
	Dirs  []*Dir
}

// Parse reads the header, the main IFD chain and every SubIFD. Malformed
// entries are skipped; a corrupt chain ends the walk without failing.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, ErrNotTIFF
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	f := &File{Order: order, Magic: order.Uint16(data[2:4])}
	switch f.Magic {
	case magicTIFF, magicORF, magicORFSmall, magicPanasonic:
	default:
		return nil, fmt.Errorf("%w: magic %#x", ErrNotTIFF, f.Magic)
	}

	p := parser{data: data, order: order, seen: map[uint32]bool{}, file: f}
	for off := order.Uint32(data[4:8]); off != 0 && len(f.Dirs) < maxDirs; {
		d, next, ok := p.readDir(off, -1)
		if !ok {
			break
		}
		p.readSubDirs(d)
		off = next
	}
	if len(f.Dirs) == 0 {
		return nil, fmt.Errorf("%w: empty directory chain", ErrNotTIFF)
	}
	return f, nil
}

type parser struct {
	data  []byte
	order binary.ByteOrder
	seen  map[uint32]bool
	file  *File
}

func (p *parser) readDir(off uint32, parent int) (*Dir, uint32, bool) {
	if p.seen[off] || uint64(off)+2 > uint64(len(p.data)) {
		return nil, 0, false
	}
	p.seen[off] = true

	n := uint32(p.order.Uint16(p.data[off:]))
	end := uint64(off) + 2 + uint64(n)*12
	if n > maxEntries || end > uint64(len(p.data)) {
		return nil, 0, false
	}

	d := &Dir{Index: len(p.file.Dirs), Offset: off, Parent: parent, Entries: make(map[uint16]Entry, n), order: p.order}
	for i := uint32(0); i < n; i++ {
		e := p.data[off+2+i*12:]
		ent := Entry{
			Tag:   p.order.Uint16(e[0:2]),
			Type:  p.order.Uint16(e[2:4]),
			Count: p.order.Uint32(e[4:8]),
		}
		if int(ent.Type) >= len(typeSizes) || typeSizes[ent.Type] == 0 {
			continue
		}
		size := uint64(typeSizes[ent.Type]) * uint64(ent.Count)
		if size <= 4 {
			ent.value = e[8 : 8+size]
		} else {
			at := uint64(p.order.Uint32(e[8:12]))
			if at+size > uint64(len(p.data)) {
				continue
			}
			ent.value = p.data[at : at+size]
		}
		d.Entries[ent.Tag] = ent
	}
	p.file.Dirs = append(p.file.Dirs, d)

	var next uint32
	if end+4 <= uint64(len(p.data)) {
		next = p.order.Uint32(p.data[end:])
	}
	return d, next, true
}

func (p *parser) readSubDirs(d *Dir) {
	for _, off := range d.Uints(TagSubIFDs) {
		if len(p.file.Dirs) >= maxDirs {
			return
		}
		if sub, _, ok := p.readDir(off, d.Index); ok {
			p.readSubDirs(sub)
		}
	}
}

// ── value accessors ───────────────────────────────────────────────────────────

// Has reports whether tag is present.
func (d *Dir) Has(tag uint16) bool {
	_, ok := d.Entries[tag]
	return ok
}

// Uints returns the integer values of tag, or nil.
func (d *Dir) Uints(tag uint16) []uint32 {
	e, ok := d.Entries[tag]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, e.Count)
	for i := uint32(0); i < e.Count; i++ {
		switch e.Type {
		case typeByte, typeUndefined, typeSByte:
			out = append(out, uint32(e.value[i]))
		case typeShort, typeSShort:
			out = append(out, uint32(d.order.Uint16(e.value[i*2:])))
		case typeLong, typeSLong, typeIFD:
			out = append(out, d.order.Uint32(e.value[i*4:]))
		default:
			return nil
		}
	}
	return out
}

// Uint returns the first integer value of tag.
func (d *Dir) Uint(tag uint16) (uint32, bool) {
	v := d.Uints(tag)
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// UintOr returns the first integer value of tag, or def.
func (d *Dir) UintOr(tag uint16, def int) int {
	if v, ok := d.Uint(tag); ok {
		return int(v)
	}
	return def
}

// Floats returns the numeric values of tag, converting rationals.
func (d *Dir) Floats(tag uint16) []float64 {
	e, ok := d.Entries[tag]
	if !ok {
		return nil
	}
	switch e.Type {
	case typeByte, typeUndefined, typeShort, typeLong, typeIFD:
		u := d.Uints(tag)
		out := make([]float64, len(u))
		for i, v := range u {
			out[i] = float64(v)
		}
		return out
	}
	out := make([]float64, 0, e.Count)
	for i := uint32(0); i < e.Count; i++ {
		switch e.Type {
		case typeRational:
			out = append(out, ratio(float64(d.order.Uint32(e.value[i*8:])), float64(d.order.Uint32(e.value[i*8+4:]))))
		case typeSRational:
			num, den := int32(d.order.Uint32(e.value[i*8:])), int32(d.order.Uint32(e.value[i*8+4:]))
			out = append(out, ratio(float64(num), float64(den)))
		case typeFloat:
			out = append(out, float64(math.Float32frombits(d.order.Uint32(e.value[i*4:]))))
		case typeDouble:
			out = append(out, math.Float64frombits(d.order.Uint64(e.value[i*8:])))
		case typeSByte:
			out = append(out, float64(int8(e.value[i])))
		case typeSShort:
			out = append(out, float64(int16(d.order.Uint16(e.value[i*2:]))))
		case typeSLong:
			out = append(out, float64(int32(d.order.Uint32(e.value[i*4:]))))
		default:
			return nil
		}
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Bytes returns the raw value bytes of tag.
func (d *Dir) Bytes(tag uint16) []byte {
	return d.Entries[tag].value
}

// String returns an ASCII tag with trailing NULs and spaces removed.
func (d *Dir) String(tag uint16) string {
	e, ok := d.Entries[tag]
	if !ok || e.Type != typeASCII {
		return ""
	}
	s := string(e.value)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Lookup returns the first non-empty string for tag in directory order.
func (f *File) Lookup(tag uint16) string {
	for _, d := range f.Dirs {
		if s := d.String(tag); s != "" {
			return s
		}
	}
	return ""
}
