package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/sensor"
)

// Progress messages emitted by a full-pipeline task.
const (
	ProgressDecoding    = "Decoding RAW (1/3)..."
	ProgressLinearizing = "Linearizing (2/3)..."
	ProgressDemosaicing = "Demosaicing (3/3)..."
)

// Executor runs pool tasks. It implements core.TaskHandler.
type Executor struct {
	Decoder    Opener
	Demosaicer sensor.Demosaicer
	Hooks      []core.Hook
	Logger     core.Logger
	MaxRetries int
	RetryDelay time.Duration
}

var _ core.TaskHandler = (*Executor)(nil)

// NewExecutor returns an Executor decoding through dec.
func NewExecutor(dec Opener, log core.Logger, hooks ...core.Hook) *Executor {
	if log == nil {
		log = core.NopLogger{}
	}
	return &Executor{
		Decoder:    dec,
		Demosaicer: sensor.Demosaicer{Logger: log},
		Hooks:      hooks,
		Logger:     log,
	}
}

// Handle dispatches on the payload kind. Buffers in the returned result
// belong to the caller.
func (e *Executor) Handle(ctx context.Context, task core.Task, progress func(string)) (*core.TaskResult, error) {
	if progress == nil {
		progress = func(string) {}
	}
	var (
		pl    *Pipeline
		frame *core.Frame
	)
	switch p := task.Payload.(type) {
	case core.DecodePayload:
		pl = e.pipeline(progress, nil, &DecodeStep{Decoder: e.Decoder})
		frame = &core.Frame{Source: p.File.Bytes()}
	case core.LinearizePayload:
		pl = e.pipeline(progress, nil, &LinearizeStep{Normalize: p.Normalize})
		frame = &core.Frame{Meta: p.Meta, Buf: p.Raw.Move()}
	case core.DemosaicPayload:
		pl = e.pipeline(progress, nil,
			&DemosaicStep{Demosaicer: e.Demosaicer, Method: p.Method},
			&DownscaleStep{Options: p.Downscale, Plan: p.Plan},
		)
		frame = &core.Frame{Meta: p.Meta, Buf: p.Raw.Move()}
	case core.FullPipelinePayload:
		o := p.Options
		pl = e.pipeline(progress, map[string]string{
			"decode":    ProgressDecoding,
			"linearize": ProgressLinearizing,
			"demosaic":  ProgressDemosaicing,
		},
			&DecodeStep{Decoder: e.Decoder},
			&LinearizeStep{Normalize: o.Normalize, Keep: o.KeepIntermediates},
			&DemosaicStep{Demosaicer: e.Demosaicer, Method: o.DemosaicMethod, Keep: o.KeepIntermediates},
			&DownscaleStep{Options: o.Downscale, Plan: o.Plan},
		)
		frame = &core.Frame{Source: p.File.Bytes()}
	default:
		return nil, apperrors.New(apperrors.CategoryPipeline, "executor.handle",
			fmt.Errorf("%w: payload %T", apperrors.ErrUnsupportedFormat, task.Payload))
	}

	start := time.Now()
	out, timings, err := pl.Run(ctx, frame)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug("executor.task.done",
		"id", task.ID,
		"kind", task.Payload.Kind(),
		"steps", len(timings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resultOf(task.Payload.Kind(), out), nil
}

func (e *Executor) pipeline(progress func(string), labels map[string]string, steps ...core.Step) *Pipeline {
	pl := New(steps...).AddHook(e.Hooks...).WithRetry(e.MaxRetries, e.RetryDelay)
	if len(labels) > 0 {
		pl.AddHook(progressHook{labels: labels, emit: progress})
	}
	return pl
}

func resultOf(kind core.TaskKind, f *core.Frame) *core.TaskResult {
	res := &core.TaskResult{
		Meta:    f.Meta,
		Source:  f.Decoded,
		IsColor: f.IsColor,
		Backend: f.Backend,
	}
	switch kind {
	case core.KindDecode:
		res.Raw = f.Buf
	case core.KindLinearize:
		res.Linear = f.Buf
	default:
		res.RGB, res.Raw, res.Linear = f.Buf, f.Raw, f.Linear
	}
	return res
}

// progressHook reports a message before each labelled step.
type progressHook struct {
	labels map[string]string
	emit   func(string)
}

func (h progressHook) BeforeStep(_ context.Context, step string, _ *core.Frame) {
	if msg, ok := h.labels[step]; ok {
		h.emit(msg)
	}
}

func (progressHook) AfterStep(context.Context, string, *core.Frame, time.Duration, error) {}
