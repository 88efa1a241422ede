package core

import (
	"context"
)

// DecoderBackend turns RAW file bytes into sensor data. Native backends wrap
// an authoritative RAW library; the fallback backend reinterprets embedded
// previews and generic TIFF pages.
type DecoderBackend interface {
	Name() string
	// Available returns nil when the backend can be used in this process.
	Available() error
	Decode(ctx context.Context, data []byte) (*DecodeResult, error)
}

// Encoder serialises an RGB16 image to bytes in one output format.
// Implementations live in encoder/ and adapters/vips.
type Encoder interface {
	Encode(ctx context.Context, img RGBImage, opts EncodeOptions) ([]byte, error)
	MIMEType() string
}

// TaskHandler executes a task inside a pool worker. progress may be called
// any number of times before Handle returns.
type TaskHandler interface {
	Handle(ctx context.Context, task Task, progress func(string)) (*TaskResult, error)
}

// MetricsCollector receives performance observations from the pipeline.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordMemory(bytes int64)
	RecordError(stepName string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// Registry maps output formats to Encoder implementations.
type Registry interface {
	EncoderFor(format OutputFormat) (Encoder, bool)
	RegisterEncoder(format OutputFormat, e Encoder)
	Formats() []OutputFormat
}
