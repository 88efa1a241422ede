// Package utils holds content sniffing, pooled reader draining and
// dimension helpers shared by the processor and its callers.
package utils

import (
	"bytes"
	"net/http"
)

const (
	formatTIFF    = "tiff"
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatRAF     = "raf"
	formatCR3     = "cr3"
	formatUnknown = "unknown"
)

// RawSignature identifies a camera container by its leading bytes.
type RawSignature struct {
	Label    string
	MIMEType string
	Vendor   string
	match    func(data []byte) bool
}

var (
	tiffLE = []byte("II*\x00")
	tiffBE = []byte("MM\x00*")
)

func isTIFF(data []byte) bool {
	return bytes.HasPrefix(data, tiffLE) || bytes.HasPrefix(data, tiffBE)
}

func at(data []byte, off int, s string) bool {
	return len(data) >= off+len(s) && string(data[off:off+len(s)]) == s
}

// rawSignatures is ordered; the first match wins.
var rawSignatures = []RawSignature{
	{"Canon CR2", "image/x-canon-cr2", "Canon", func(d []byte) bool {
		return bytes.HasPrefix(d, tiffLE) && at(d, 8, "CR")
	}},
	{"Canon CR3", "image/x-canon-cr3", "Canon", func(d []byte) bool {
		return bytes.Contains(head(d, 64), []byte("ftypcrx"))
	}},
	{"Adobe DNG", "image/x-adobe-dng", "Adobe", func(d []byte) bool {
		return isTIFF(d) && at(d, 8, "ADBE")
	}},
	{"Nikon NEF", "image/x-nikon-nef", "Nikon", func(d []byte) bool {
		return bytes.HasPrefix(d, tiffLE) && at(d, 8, "Nikon")
	}},
	{"Sony ARW", "image/x-sony-arw", "Sony", func(d []byte) bool {
		return bytes.HasPrefix(d, tiffLE) && at(d, 8, "SONY")
	}},
	{"Fujifilm RAF", "image/x-fuji-raf", "Fujifilm", func(d []byte) bool {
		return at(d, 0, "FUJIFILMCCD")
	}},
	{"Olympus ORF", "image/x-olympus-orf", "Olympus", func(d []byte) bool {
		return at(d, 0, "IIRO") || at(d, 0, "IIRS") || at(d, 0, "MMOR")
	}},
	{"Panasonic RW2", "image/x-panasonic-rw2", "Panasonic", func(d []byte) bool {
		return at(d, 0, "IIU\x00")
	}},
}

func head(d []byte, n int) []byte {
	if len(d) < n {
		return d
	}
	return d[:n]
}

// SniffRaw matches data against known camera container signatures.
func SniffRaw(data []byte) (RawSignature, bool) {
	for _, s := range rawSignatures {
		if s.match(data) {
			return s, true
		}
	}
	return RawSignature{}, false
}

// DetectFormat sniffs the leading bytes of data and returns the container
// family: "tiff" (including TIFF-based RAW), "raf", "cr3", "jpeg", "png" or
// "unknown".
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	if sig, ok := SniffRaw(data); ok {
		switch sig.Label {
		case "Fujifilm RAF":
			return formatRAF
		case "Canon CR3":
			return formatCR3
		}
		return formatTIFF
	}
	if isTIFF(data) {
		return formatTIFF
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return formatJPEG
	}
	// Fallback to net/http sniffing.
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return formatJPEG
	case "image/png":
		return formatPNG
	}
	return formatUnknown
}

// FitDimensions scales (srcW, srcH) down to fit inside (maxW, maxH),
// preserving aspect ratio. Images already inside the box are unchanged.
func FitDimensions(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 || (srcW <= maxW && srcH <= maxH) {
		return srcW, srcH
	}
	if srcW*maxH > srcH*maxW {
		return maxW, max(1, srcH*maxW/srcW)
	}
	return max(1, srcW*maxH/srcH), maxH
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
