package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Skryldev/raw-processor/adapters/encoder"
	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/pipeline"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

// fakeOpener returns a flat RGGB sensor of the given size.
type fakeOpener struct {
	w, h     int
	value    uint16
	err      error
	previews atomic.Int32
}

func (o *fakeOpener) result() (*core.DecodeResult, error) {
	if o.err != nil {
		return nil, o.err
	}
	pix := make([]uint16, o.w*o.h)
	for i := range pix {
		pix[i] = o.value
	}
	return &core.DecodeResult{
		Metadata: core.RawMetadata{
			Width: o.w, Height: o.h, CFAPattern: core.PatternRGGB,
			BlackLevel: [4]float64{64, 64, 64, 64}, WhiteLevel: 4095,
			WhiteBalance: [4]float64{1, 1, 1, 1}, Make: "Acme", Model: "R1",
		},
		Sensor:  core.AdoptBuffer(pix),
		Source:  core.SourceNative,
		IsColor: true,
		Backend: "fake",
	}, nil
}

func (o *fakeOpener) OpenRaw(context.Context, []byte) (*core.DecodeResult, error) { return o.result() }

func (o *fakeOpener) ExtractPreview(context.Context, []byte) (*core.DecodeResult, error) {
	o.previews.Add(1)
	return o.result()
}

// flakyStep fails with err for the first n calls.
type flakyStep struct {
	n     int32
	err   error
	calls atomic.Int32
}

func (s *flakyStep) Name() string { return "flaky" }

func (s *flakyStep) Execute(_ context.Context, f *core.Frame) (*core.Frame, error) {
	if s.calls.Add(1) <= s.n {
		return nil, s.err
	}
	return f, nil
}

type orderHook struct{ events []string }

func (h *orderHook) BeforeStep(_ context.Context, name string, _ *core.Frame) {
	h.events = append(h.events, "before:"+name)
}

func (h *orderHook) AfterStep(_ context.Context, name string, _ *core.Frame, _ time.Duration, err error) {
	h.events = append(h.events, fmt.Sprintf("after:%s:%v", name, err != nil))
}

func rgbFrame(w, h int) *core.Frame {
	pix := make([]uint16, w*h*3)
	for i := range pix {
		pix[i] = uint16(i)
	}
	return &core.Frame{
		Meta: core.RawMetadata{Width: w, Height: h, CFAPattern: core.PatternRGB},
		Buf:  core.AdoptBuffer(pix),
	}
}

// ── Pipeline ──────────────────────────────────────────────────────────────────

func TestPipeline_RetriesRetryableErrors(t *testing.T) {
	step := &flakyStep{n: 2, err: apperrors.Transient("flaky", errors.New("busy"))}
	hook := &orderHook{}
	pl := pipeline.New(step).AddHook(hook).WithRetry(2, 0)

	if _, _, err := pl.Run(context.Background(), rgbFrame(1, 1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := step.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	want := []string{"before:flaky", "after:flaky:false"}
	if fmt.Sprint(hook.events) != fmt.Sprint(want) {
		t.Errorf("hook events %v, want %v", hook.events, want)
	}
}

func TestPipeline_NonRetryableStopsImmediately(t *testing.T) {
	step := &flakyStep{n: 5, err: apperrors.New(apperrors.CategoryInput, "flaky", apperrors.ErrEmptyInput)}
	pl := pipeline.New(step, &pipeline.FitStep{MaxWidth: 1, MaxHeight: 1}).WithRetry(3, 0)

	_, timings, err := pl.Run(context.Background(), rgbFrame(1, 1))
	if !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Fatalf("err = %v", err)
	}
	if step.calls.Load() != 1 {
		t.Errorf("calls = %d", step.calls.Load())
	}
	if _, ran := timings["fit"]; ran {
		t.Error("later step ran after a failure")
	}
}

type panicStep struct{}

func (panicStep) Name() string { return "explode" }

func (panicStep) Execute(context.Context, *core.Frame) (*core.Frame, error) {
	var idx []int
	_ = idx[3]
	return nil, nil
}

func TestPipeline_PanickingStepBecomesError(t *testing.T) {
	hook := &orderHook{}
	pl := pipeline.New(panicStep{}).AddHook(hook).WithRetry(2, 0)

	out, _, err := pl.Run(context.Background(), rgbFrame(1, 1))
	if err == nil || out != nil {
		t.Fatalf("out=%v err=%v, want error", out, err)
	}
	if !apperrors.IsCategory(err, apperrors.CategoryPipeline) || apperrors.CodeOf(err) != apperrors.CodeUnknown {
		t.Errorf("err = %v", err)
	}
	want := []string{"before:explode", "after:explode:true"}
	if fmt.Sprint(hook.events) != fmt.Sprint(want) {
		t.Errorf("hook events %v, want %v", hook.events, want)
	}
}

func TestPipeline_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := pipeline.New(&pipeline.FitStep{}).Run(ctx, rgbFrame(1, 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestPipeline_CloneIsIndependent(t *testing.T) {
	base := pipeline.New(&pipeline.FitStep{})
	c := base.Clone().Use(&pipeline.TransformStep{})
	if len(base.Steps()) != 1 || len(c.Steps()) != 2 {
		t.Errorf("base %v clone %v", base.Steps(), c.Steps())
	}
}

// ── Steps ─────────────────────────────────────────────────────────────────────

func TestFitStep(t *testing.T) {
	out, err := (&pipeline.FitStep{MaxWidth: 20, MaxHeight: 20}).Execute(context.Background(), rgbFrame(100, 50))
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta.Width != 20 || out.Meta.Height != 10 || out.Buf.Len() != 20*10*3 {
		t.Errorf("got %dx%d with %d samples", out.Meta.Width, out.Meta.Height, out.Buf.Len())
	}
	if out.Meta.OriginalWidth != 100 || out.Meta.OriginalHeight != 50 {
		t.Errorf("original %dx%d", out.Meta.OriginalWidth, out.Meta.OriginalHeight)
	}

	in := rgbFrame(8, 8)
	same, _ := (&pipeline.FitStep{MaxWidth: 20, MaxHeight: 20}).Execute(context.Background(), in)
	if same.Meta.Width != 8 || in.Buf.Valid() || !same.Buf.Valid() {
		t.Error("frame inside the box should move through untouched")
	}
}

func TestTransformStep(t *testing.T) {
	out, err := (&pipeline.TransformStep{Options: core.TransformOptions{Rotation: 90}}).Execute(context.Background(), rgbFrame(3, 2))
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta.Width != 2 || out.Meta.Height != 3 {
		t.Errorf("rotated to %dx%d", out.Meta.Width, out.Meta.Height)
	}

	in := rgbFrame(4, 4)
	skipped, err := (&pipeline.TransformStep{Options: core.TransformOptions{Crop: &core.Rect{X: 1, Y: 1, Width: 0, Height: 3}}}).
		Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if skipped.Meta.Width != 4 || skipped.Buf.Len() != 48 || in.Buf.Valid() {
		t.Errorf("degenerate crop should pass the buffer through, got %dx%d", skipped.Meta.Width, skipped.Meta.Height)
	}

	_, err = (&pipeline.TransformStep{Options: core.TransformOptions{Rotation: 45}}).Execute(context.Background(), rgbFrame(2, 2))
	if apperrors.CodeOf(err) != apperrors.CodeTransformFail {
		t.Errorf("rotation 45: %v", err)
	}
}

func TestEncodeStep_KeepsPixels(t *testing.T) {
	reg := core.NewRegistry()
	encoder.RegisterDefaults(reg, 0)
	f := rgbFrame(4, 4)
	f.Meta.Make = "Acme"
	out, err := (&pipeline.EncodeStep{Registry: reg, Options: core.EncodeOptions{Format: core.FormatPNG16}}).
		Execute(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if out.MIMEType != "image/png" || len(out.Encoded) == 0 || !out.Buf.Valid() {
		t.Errorf("mime %q, %d bytes, buf valid %v", out.MIMEType, len(out.Encoded), out.Buf.Valid())
	}
}

func TestRGBSteps_RejectSensorFrames(t *testing.T) {
	f := &core.Frame{Meta: core.RawMetadata{Width: 2, Height: 2, CFAPattern: core.PatternRGGB}, Buf: core.NewBuffer(4)}
	if _, err := (&pipeline.FitStep{MaxWidth: 1, MaxHeight: 1}).Execute(context.Background(), f); !errors.Is(err, apperrors.ErrUnsupportedFormat) {
		t.Errorf("got %v", err)
	}
	f.Buf.Release()
	if _, err := (&pipeline.LinearizeStep{}).Execute(context.Background(), f); !errors.Is(err, apperrors.ErrBufferMoved) {
		t.Errorf("moved buffer: %v", err)
	}
}

// ── Executor ──────────────────────────────────────────────────────────────────

func TestExecutor_FullPipelineProgressAndResult(t *testing.T) {
	exec := pipeline.NewExecutor(&fakeOpener{w: 8, h: 6, value: 1000}, nil)
	var progress []string
	res, err := exec.Handle(context.Background(), core.Task{
		ID: "t1",
		Payload: core.FullPipelinePayload{
			File:    core.AdoptBlob([]byte("raw")),
			Options: core.PipelineOptions{Normalize: true},
		},
	}, func(m string) { progress = append(progress, m) })
	if err != nil {
		t.Fatal(err)
	}

	want := []string{pipeline.ProgressDecoding, pipeline.ProgressLinearizing, pipeline.ProgressDemosaicing}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress %q, want %q", progress, want)
	}
	if res.RGB.Len() != 8*6*3 || res.Meta.CFAPattern != core.PatternRGB {
		t.Errorf("rgb %d samples, cfa %s", res.RGB.Len(), res.Meta.CFAPattern)
	}
	if res.Raw != nil || res.Linear != nil {
		t.Error("intermediates returned without KeepIntermediates")
	}
	if res.Backend != "fake" || res.Source != core.SourceNative || !res.IsColor {
		t.Errorf("provenance %+v", res)
	}
	// (1000-64)/(4095-64)*65535, rounded.
	if got := res.RGB.Samples()[0]; got != 15217 {
		t.Errorf("normalised sample %d, want 15217", got)
	}
}

func TestExecutor_KeepIntermediatesAndDownscale(t *testing.T) {
	exec := pipeline.NewExecutor(&fakeOpener{w: 8, h: 8, value: 500}, nil)
	plan := &core.MemoryPlan{Tier: core.TierReduced, DownscaleFactor: 0.5}
	res, err := exec.Handle(context.Background(), core.Task{
		Payload: core.FullPipelinePayload{
			File:    core.AdoptBlob([]byte("raw")),
			Options: core.PipelineOptions{Plan: plan, KeepIntermediates: true},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Raw.Len() != 64 || res.Linear.Len() != 64 {
		t.Errorf("raw %d linear %d", res.Raw.Len(), res.Linear.Len())
	}
	if res.Meta.Width != 4 || res.Meta.Height != 4 || res.RGB.Len() != 48 {
		t.Errorf("downscaled to %dx%d (%d samples)", res.Meta.Width, res.Meta.Height, res.RGB.Len())
	}
	if res.Meta.OriginalWidth != 8 || res.Meta.DownscaleFactor != 0.5 {
		t.Errorf("meta %+v", res.Meta)
	}
}

func TestExecutor_SingleStagePayloads(t *testing.T) {
	exec := pipeline.NewExecutor(&fakeOpener{w: 4, h: 4, value: 100}, nil)
	ctx := context.Background()
	meta := core.RawMetadata{Width: 2, Height: 2, CFAPattern: core.PatternRGGB, BlackLevel: [4]float64{64, 64, 64, 64}, WhiteLevel: 4095}

	dec, err := exec.Handle(ctx, core.Task{Payload: core.DecodePayload{File: core.AdoptBlob([]byte("raw"))}}, nil)
	if err != nil || dec.Raw.Len() != 16 || dec.RGB != nil {
		t.Fatalf("decode: %v %+v", err, dec)
	}

	raw := core.AdoptBuffer([]uint16{64, 100, 30, 4095})
	lin, err := exec.Handle(ctx, core.Task{Payload: core.LinearizePayload{Raw: raw, Meta: meta}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := lin.Linear.Samples(); fmt.Sprint(got) != "[0 36 0 4031]" {
		t.Errorf("linear %v", got)
	}
	if raw.Valid() {
		t.Error("payload buffer still owned by the caller")
	}

	flat := core.AdoptBuffer([]uint16{7, 7, 7, 7})
	rgb, err := exec.Handle(ctx, core.Task{Payload: core.DemosaicPayload{Raw: flat, Meta: meta}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range rgb.RGB.Samples() {
		if v != 7 {
			t.Fatalf("sample %d = %d", i, v)
		}
	}
}

func TestExecutor_DecodeErrorPropagates(t *testing.T) {
	boom := apperrors.WithCode(apperrors.CategoryDecode, apperrors.CodeDecodeFail, "decoder.open", apperrors.ErrNoPreview)
	exec := pipeline.NewExecutor(&fakeOpener{err: boom}, nil)
	_, err := exec.Handle(context.Background(), core.Task{Payload: core.DecodePayload{File: core.AdoptBlob([]byte("x"))}}, nil)
	if apperrors.CodeOf(err) != apperrors.CodeDecodeFail {
		t.Errorf("got %v", err)
	}
}

func TestExecutor_ThroughWorkerPool(t *testing.T) {
	exec := pipeline.NewExecutor(&fakeOpener{w: 4, h: 4, value: 800}, nil)
	pool := core.NewWorkerPool(core.PoolConfig{Workers: 2, HardwareConcurrency: 4, SafeTransfer: true}, exec)
	pool.Start()
	t.Cleanup(pool.Terminate)

	file := core.AdoptBlob([]byte("raw"))
	ch, err := pool.SubmitAsync(core.Task{Payload: core.FullPipelinePayload{File: file}})
	if err != nil {
		t.Fatal(err)
	}
	if file.Valid() {
		t.Error("submitted blob still valid")
	}

	var progress, terminal int
	var last core.Response
	for r := range ch {
		if r.Terminal() {
			terminal++
			last = r
		} else {
			progress++
		}
	}
	if progress != 3 || terminal != 1 {
		t.Errorf("progress %d terminal %d", progress, terminal)
	}
	if !last.Success || last.Result.RGB.Len() != 48 {
		t.Errorf("terminal %+v", last)
	}
}

func BenchmarkExecutor_FullPipeline_12MP(b *testing.B) {
	exec := pipeline.NewExecutor(&fakeOpener{w: 4000, h: 3000, value: 1000}, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := exec.Handle(ctx, core.Task{Payload: core.FullPipelinePayload{
			File:    core.AdoptBlob([]byte("raw")),
			Options: core.PipelineOptions{Normalize: true},
		}}, nil)
		if err != nil {
			b.Fatal(err)
		}
	}
}
