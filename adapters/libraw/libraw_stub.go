//go:build !libraw || !cgo

package libraw

import (
	"context"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
)

func (Backend) Available() error { return apperrors.ErrBackendUnavailable }

func (Backend) Decode(context.Context, []byte) (*core.DecodeResult, error) {
	return nil, apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, "libraw.decode",
		apperrors.ErrBackendUnavailable)
}
