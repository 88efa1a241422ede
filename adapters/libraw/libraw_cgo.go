//go:build libraw && cgo

package libraw

/*
#cgo LDFLAGS: -lraw_r
#include <stdlib.h>
#include <libraw/libraw.h>
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

func (Backend) Available() error { return nil }

func (Backend) Decode(ctx context.Context, data []byte) (*core.DecodeResult, error) {
	const op = "libraw.decode"
	if len(data) == 0 {
		return nil, apperrors.WithCode(apperrors.CategoryInput, apperrors.CodeDecodeFail, op, apperrors.ErrEmptyInput)
	}

	h := C.libraw_init(0)
	if h == nil {
		return nil, apperrors.WithCode(apperrors.CategoryMemory, apperrors.CodeOutOfMemory, op, errors.New("libraw_init failed"))
	}
	defer C.libraw_close(h)

	// LibRaw reads the buffer until close, so it must live in C memory.
	buf := C.CBytes(data)
	defer C.free(buf)

	if rc := C.libraw_open_buffer(h, buf, C.size_t(len(data))); rc != C.LIBRAW_SUCCESS {
		return nil, failure(op, "open", rc)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	if rc := C.libraw_unpack(h); rc != C.LIBRAW_SUCCESS {
		return nil, failure(op, "unpack", rc)
	}
	if h.rawdata.raw_image == nil {
		// Foveon, linear DNG and other non-Bayer layouts.
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op, apperrors.ErrNotSensorData)
	}

	s := h.sizes
	w, ht := int(s.width), int(s.height)
	left, top := int(s.left_margin), int(s.top_margin)
	pitch := int(s.raw_pitch) / 2
	if w <= 0 || ht <= 0 || pitch < left+w || int(s.raw_height) < top+ht {
		return nil, apperrors.WithCode(apperrors.CategoryDimension, apperrors.CodeInvalidRawFormat, op,
			fmt.Errorf("%w: %dx%d in %dx%d", apperrors.ErrInvalidDimensions, w, ht, int(s.raw_width), int(s.raw_height)))
	}

	plane := unsafe.Slice((*uint16)(unsafe.Pointer(h.rawdata.raw_image)), pitch*int(s.raw_height))
	pix := make([]uint16, w*ht)
	for y := 0; y < ht; y++ {
		copy(pix[y*w:(y+1)*w], plane[(y+top)*pitch+left:])
	}

	var colors [2][2]int
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			colors[y][x] = int(C.libraw_COLOR(h, C.int(top+y), C.int(left+x)))
		}
	}
	cfa, ok := cfaFromColors(colors)
	if !ok {
		return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeUnsupportedCFA, op,
			fmt.Errorf("colour layout %v", colors))
	}

	col := h.color
	var black, mul [4]float64
	for i := 0; i < 4; i++ {
		black[i] = float64(col.black) + float64(col.cblack[i])
		mul[i] = float64(col.cam_mul[i])
	}

	return &core.DecodeResult{
		Metadata: core.RawMetadata{
			Width:        w,
			Height:       ht,
			CFAPattern:   cfa,
			BlackLevel:   black,
			WhiteLevel:   float64(col.maximum),
			WhiteBalance: whiteBalance(mul),
			Make:         C.GoString(&h.idata.make[0]),
			Model:        C.GoString(&h.idata.model[0]),
		},
		Sensor:  core.AdoptBuffer(pix),
		Source:  core.SourceNative,
		IsColor: true,
	}, nil
}

func failure(op, stage string, rc C.int) error {
	msg := C.GoString(C.libraw_strerror(rc))
	return apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, op,
		fmt.Errorf("%s: %s (%d)", stage, msg, int(rc)))
}
