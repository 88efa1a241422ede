package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDecode    Category = "decode"
	CategoryDimension Category = "dimension"
	CategoryMemory    Category = "memory"
	CategoryTransform Category = "transform"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryWorker    Category = "worker"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"
	CategoryStorage   Category = "storage"
)

// Code is the stable identifier surfaced to callers alongside the message.
type Code string

const (
	CodeDecodeFail       Code = "DECODE_FAIL"
	CodeInvalidRawFormat Code = "INVALID_RAW_FORMAT"
	CodeUnsupportedCFA   Code = "UNSUPPORTED_CFA"
	CodeLinearizeFail    Code = "LINEARIZE_FAIL"
	CodeDemosaicFail     Code = "DEMOSAIC_FAIL"
	CodeTransformFail    Code = "TRANSFORM_FAIL"
	CodeEncodeFail       Code = "ENCODE_FAIL"
	CodeOutOfMemory      Code = "OUT_OF_MEMORY"
	CodeWorkerCrash      Code = "WORKER_CRASH"
	CodeWorkerTimeout    Code = "WORKER_TIMEOUT"
	CodeUnknown          Code = "UNKNOWN"
)

// retryableCodes lists the codes a caller may resubmit unchanged.
var retryableCodes = map[Code]bool{
	CodeDecodeFail:    true,
	CodeLinearizeFail: true,
	CodeDemosaicFail:  true,
	CodeEncodeFail:    true,
	CodeWorkerCrash:   true,
	CodeWorkerTimeout: true,
}

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Code      Code
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// WithCode creates a ProcessingError carrying a caller-facing code. The
// retryable flag follows the code.
func WithCode(category Category, code Code, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Code: code, Err: err, Retryable: retryableCodes[code]}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// WrapCode wraps err with a category and code. Nil stays nil.
func WrapCode(category Category, code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return WithCode(category, code, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// CodeOf returns the outermost code attached to err, or CodeUnknown.
func CodeOf(err error) Code {
	var pe *ProcessingError
	for errors.As(err, &pe) {
		if pe.Code != "" {
			return pe.Code
		}
		err = pe.Err
	}
	return CodeUnknown
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrBackendUnavailable = errors.New("decoder backend unavailable")
	ErrNoPreview          = errors.New("no embedded preview found")
	ErrNotSensorData      = errors.New("no sensor data in container")
	ErrMemoryBudget       = errors.New("memory plan allows preview only")
	ErrBufferMoved        = errors.New("buffer ownership already transferred")
	ErrBufferSize         = errors.New("buffer length does not match dimensions")
	ErrInvalidCrop        = errors.New("invalid crop rectangle")
	ErrInvalidRotation    = errors.New("rotation must be 0, 90, 180 or 270")
	ErrInvalidLevels      = errors.New("white level must exceed black level")
	ErrWorkerPoolFull     = errors.New("worker pool queue full")
	ErrPoolClosed         = errors.New("worker pool terminated")
	ErrPoolExhausted      = errors.New("no live workers remain")
	ErrWorkerFatal        = errors.New("worker context failed")
)
