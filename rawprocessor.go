// Package rawprocessor decodes camera RAW files into 16-bit RGB and encodes
// them, planning memory use against the host and running the heavy stages
// on a priority worker pool.
package rawprocessor

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/raw-processor/adapters/decoder"
	"github.com/Skryldev/raw-processor/adapters/encoder"
	"github.com/Skryldev/raw-processor/adapters/libraw"
	"github.com/Skryldev/raw-processor/capability"
	"github.com/Skryldev/raw-processor/config"
	"github.com/Skryldev/raw-processor/core"
	apperrors "github.com/Skryldev/raw-processor/errors"
	"github.com/Skryldev/raw-processor/hooks"
	"github.com/Skryldev/raw-processor/pipeline"
	"github.com/Skryldev/raw-processor/sensor"
	"github.com/Skryldev/raw-processor/transform"
	"github.com/Skryldev/raw-processor/utils"
)

// Re-export output formats for convenience.
const (
	PNG16  = core.FormatPNG16
	TIFF16 = core.FormatTIFF16
	PNG8   = core.FormatPNG8
	JPEG   = core.FormatJPEG
	WebP   = core.FormatWebP
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// ConvertOptions selects what Convert produces. Zero values fall back to
// the processor configuration.
type ConvertOptions struct {
	Format    core.OutputFormat
	Quality   int
	Metadata  map[string]string
	Transform core.TransformOptions
	Downscale core.DownscaleOptions
	// Plan overrides the memory plan derived from the device capabilities.
	Plan     *core.MemoryPlan
	Priority int
}

// PreviewOptions bounds a preview. Zero values use the configured preview.
type PreviewOptions struct {
	MaxWidth, MaxHeight int
	Quality             int
}

// Result is an encoded image and where its pixels came from.
type Result struct {
	Data     []byte
	MIMEType string
	Meta     core.RawMetadata
	Source   core.DecodeSource
	Backend  string
	IsColor  bool
	Plan     core.MemoryPlan
	// PreviewOnly is set when the memory plan forbade a full decode and
	// the result was built from the embedded preview.
	PreviewOnly bool
}

// Processor is the primary entry point. Configure it (SetLogger, AddHook,
// RegisterEncoder, RegisterBackend) before Start.
type Processor struct {
	cfg      config.Config
	log      core.Logger
	reg      *core.DefaultRegistry
	dec      *decoder.Decoder
	detector *capability.Detector
	caps     atomic.Pointer[core.DeviceCapabilities]
	exec     *pipeline.Executor
	pool     *core.WorkerPool
	hooks    []core.Hook
}

// New creates a fully wired Processor with the PNG-16, TIFF-16, PNG-8 and
// JPEG encoders registered and the native backends named in cfg.Decode.
func New(cfg config.Config) (*Processor, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "processor.new", err)
	}
	log := core.Logger(core.NopLogger{})

	reg := core.NewRegistry()
	encoder.RegisterDefaults(reg, cfg.DefaultQuality)

	var native []core.DecoderBackend
	for _, name := range cfg.Decode.Native {
		switch name {
		case "libraw":
			native = append(native, libraw.New())
		case "dng":
			native = append(native, decoder.DNGBackend{})
		}
	}
	dec := decoder.New(decoder.Config{
		PreviewMinBytes: cfg.Decode.PreviewMinBytes,
		Bayer:           sensor.BayerCheck{Region: cfg.Decode.BayerSampleSize, Threshold: cfg.Decode.BayerThreshold},
		Logger:          log,
	}, native...)

	detector := capability.NewDetector()
	detector.BufferMultiplier = cfg.Memory.BufferMultiplier

	p := &Processor{cfg: cfg, log: log, reg: reg, dec: dec, detector: detector}
	caps := p.detect()

	p.exec = pipeline.NewExecutor(dec, log)
	p.exec.MaxRetries, p.exec.RetryDelay = cfg.MaxRetries, cfg.RetryDelay
	p.pool = core.NewWorkerPool(core.PoolConfig{
		Workers:             cfg.WorkerCount,
		HardwareConcurrency: caps.HardwareConcurrency,
		SafeTransfer:        caps.SharedArrayBuffer,
		QueueSize:           cfg.QueueSize,
	}, p.exec)
	return p, nil
}

// SetLogger attaches a structured logger to every component.
func (p *Processor) SetLogger(l core.Logger) {
	if l == nil {
		return
	}
	p.log = l
	p.dec.SetLogger(l)
	p.detector.Logger = l
	p.exec.Logger = l
	p.exec.Demosaicer.Logger = l
	p.pool.SetLogger(l)
}

// SetMetrics feeds step timings and errors into m.
func (p *Processor) SetMetrics(m core.MetricsCollector) { p.AddHook(hooks.NewMetricsHook(m)) }

// AddHook registers an observer for pipeline step events, both in pool
// workers and in the caller-side encode path.
func (p *Processor) AddHook(h core.Hook) {
	p.hooks = append(p.hooks, h)
	p.exec.Hooks = append(p.exec.Hooks, h)
}

// RegisterEncoder registers a custom encoder for the given format.
func (p *Processor) RegisterEncoder(f core.OutputFormat, e core.Encoder) { p.reg.RegisterEncoder(f, e) }

// RegisterBackend appends a native decoder backend. Earlier backends win.
func (p *Processor) RegisterBackend(b core.DecoderBackend) { p.dec.Register(b) }

// Registry returns the encoder registry.
func (p *Processor) Registry() core.Registry { return p.reg }

// Formats lists the registered output formats.
func (p *Processor) Formats() []core.OutputFormat { return p.reg.Formats() }

// Backends lists decoder backends in the order they are tried.
func (p *Processor) Backends() []string { return p.dec.Backends() }

// Start launches the worker pool. It is idempotent.
func (p *Processor) Start() { p.pool.Start() }

// Stop fails queued tasks, waits for in-flight ones and shuts the pool down.
func (p *Processor) Stop() { p.pool.Terminate() }

// ── Capabilities ──────────────────────────────────────────────────────────────

func (p *Processor) detect() core.DeviceCapabilities {
	var o capability.Overrides
	if gb := p.cfg.Memory.ForceDeviceMemoryGB; gb > 0 {
		o.DeviceMemoryGB = &gb
	}
	caps := p.detector.Detect(o)
	p.caps.Store(&caps)
	return caps
}

// Capabilities returns the current capability snapshot.
func (p *Processor) Capabilities() core.DeviceCapabilities { return *p.caps.Load() }

// Rescan probes the host again and replaces the snapshot. The pool keeps
// its size.
func (p *Processor) Rescan() core.DeviceCapabilities {
	caps := p.detect()
	p.log.Info("processor.capabilities.rescanned",
		"memory_tier", caps.MemoryTier, "cores", caps.HardwareConcurrency, "notes", len(caps.Notes))
	return caps
}

// PlanFor computes the memory plan for a width x height image on this host.
func (p *Processor) PlanFor(width, height int) core.MemoryPlan {
	return capability.CalculateMemoryPlan(capability.PlanInput{
		DeviceMemoryGB:   p.Capabilities().DeviceMemory,
		Width:            width,
		Height:           height,
		BufferMultiplier: p.cfg.Memory.BufferMultiplier,
	})
}

// defaultPlan is used when the caller gives no plan. Dimensions are unknown
// before decode, so the plan for a 4000x3000 frame sets the tier and its
// megapixel ceiling; the ceiling then scales any actual size.
func (p *Processor) defaultPlan() core.MemoryPlan {
	plan := p.PlanFor(4000, 3000)
	plan.DownscaleFactor = 0
	return plan
}

// Stats returns the worker pool state.
func (p *Processor) Stats() core.PoolStats { return p.pool.Stats() }

// Counts returns tasks completed and failed by the pool.
func (p *Processor) Counts() (processed, failed int64) {
	return p.pool.ProcessedCount(), p.pool.ErrorCount()
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

// Submit queues task and waits for its terminal response. Buffers in the
// payload move into the pool.
func (p *Processor) Submit(ctx context.Context, task core.Task) (core.Response, error) {
	return p.pool.Submit(ctx, task)
}

// SubmitAsync queues task and returns its response channel.
func (p *Processor) SubmitAsync(task core.Task) (<-chan core.Response, error) {
	return p.pool.SubmitAsync(task)
}

// ── Conversions ───────────────────────────────────────────────────────────────

// Convert decodes, develops, transforms and encodes a RAW file. Decode and
// develop run on the worker pool; transform and encode run in the caller.
// Under a preview-only plan it returns the preview instead.
func (p *Processor) Convert(ctx context.Context, data []byte, opts ConvertOptions) (*Result, error) {
	if len(data) == 0 {
		return nil, apperrors.WithCode(apperrors.CategoryInput, apperrors.CodeDecodeFail, "processor.convert", apperrors.ErrEmptyInput)
	}

	plan := p.defaultPlan()
	if opts.Plan != nil {
		plan = *opts.Plan
	}
	if plan.Tier == core.TierPreviewOnly {
		p.log.Warn("processor.convert.preview_only", "reason", plan.Reason)
		res, err := p.Preview(ctx, data, PreviewOptions{})
		if err != nil {
			return nil, err
		}
		res.Plan = plan
		return res, nil
	}

	downscale := opts.Downscale
	if downscale.Method == "" {
		downscale.Method = p.cfg.Develop.DownscaleMethod
	}
	resp, err := p.pool.Submit(ctx, core.Task{
		Priority: opts.Priority,
		Payload: core.FullPipelinePayload{
			File: core.AdoptBlob(data),
			Options: core.PipelineOptions{
				Normalize:      p.cfg.Develop.Normalize,
				DemosaicMethod: p.cfg.Develop.DemosaicMethod,
				Downscale:      downscale,
				Plan:           &plan,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	tr := resp.Result
	frame := &core.Frame{Meta: tr.Meta, Buf: tr.RGB, Decoded: tr.Source, IsColor: tr.IsColor, Backend: tr.Backend}

	out, err := p.finish(ctx, frame,
		&pipeline.TransformStep{Options: opts.Transform, Logger: p.log},
		&pipeline.EncodeStep{Registry: p.reg, Options: p.encodeOptions(opts.Format, opts.Quality, opts.Metadata, frame.Meta)},
	)
	if err != nil {
		return nil, err
	}
	res := resultOf(out)
	res.Plan = plan
	return res, nil
}

// ConvertReader drains r, bounded by the configured MaxFileBytes, and
// converts the bytes.
func (p *Processor) ConvertReader(ctx context.Context, r io.Reader, opts ConvertOptions) (*Result, error) {
	buf, err := utils.DrainReader(ctx, &utils.LimitedReader{R: r, Max: p.cfg.MaxFileBytes}, p.cfg.ChunkSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "processor.read", err)
	}
	data := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)
	return p.Convert(ctx, data, opts)
}

// Preview builds a JPEG from the embedded preview or tagged image without
// touching native sensor decoders. It runs in the caller's goroutine.
func (p *Processor) Preview(ctx context.Context, data []byte, opts PreviewOptions) (*Result, error) {
	pc := p.cfg.Preview
	if opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		opts.MaxWidth, opts.MaxHeight = pc.MaxWidth, pc.MaxHeight
	}
	if opts.Quality <= 0 {
		opts.Quality = pc.Quality
	}
	out, err := p.finish(ctx, &core.Frame{Source: data},
		&pipeline.DecodeStep{Decoder: p.dec, PreviewOnly: true},
		&pipeline.FitStep{MaxWidth: opts.MaxWidth, MaxHeight: opts.MaxHeight},
		&pipeline.EncodeStep{Registry: p.reg, Options: core.EncodeOptions{Format: core.FormatJPEG, Quality: opts.Quality}},
	)
	if err != nil {
		return nil, err
	}
	res := resultOf(out)
	res.PreviewOnly = true
	return res, nil
}

// Encode serialises an RGB16 image. Lossless formats ignore Quality.
func (p *Processor) Encode(ctx context.Context, img core.RGBImage, opts core.EncodeOptions) (*core.EncodeResult, error) {
	if opts.Format == "" {
		opts.Format = core.OutputFormat(p.cfg.DefaultFormat)
	}
	opts.Metadata = p.withSoftware(opts.Metadata)
	return encoder.Encode(ctx, p.reg, img, opts)
}

// Transform crops then rotates img. A crop that clamps to nothing is logged
// and skipped.
func (p *Processor) Transform(img core.RGBImage, opts core.TransformOptions) (core.RGBImage, error) {
	return transform.ApplyCropAndRotate(img, opts, p.log)
}

// Batch converts inputs concurrently, at most one in flight per pool
// worker. Results and errors are index-aligned with inputs.
func (p *Processor) Batch(ctx context.Context, inputs [][]byte, opts ConvertOptions) ([]*Result, []error) {
	results := make([]*Result, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(max(1, p.pool.Stats().TotalWorkers))
	for i, data := range inputs {
		g.Go(func() error {
			results[i], errs[i] = p.Convert(ctx, data, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// ── internals ─────────────────────────────────────────────────────────────────

func (p *Processor) finish(ctx context.Context, f *core.Frame, steps ...core.Step) (*core.Frame, error) {
	pl := pipeline.New(steps...).AddHook(p.hooks...).WithRetry(p.cfg.MaxRetries, p.cfg.RetryDelay)
	out, _, err := pl.Run(ctx, f)
	return out, err
}

func (p *Processor) encodeOptions(f core.OutputFormat, quality int, meta map[string]string, raw core.RawMetadata) core.EncodeOptions {
	if f == "" {
		f = core.OutputFormat(p.cfg.DefaultFormat)
	}
	md := make(map[string]string, len(meta)+3)
	if raw.Make != "" {
		md["make"] = raw.Make
	}
	if raw.Model != "" {
		md["model"] = raw.Model
	}
	for k, v := range meta {
		md[k] = v
	}
	return core.EncodeOptions{Format: f, Quality: quality, Metadata: p.withSoftware(md)}
}

func (p *Processor) withSoftware(meta map[string]string) map[string]string {
	if p.cfg.Software == "" {
		return meta
	}
	if _, ok := meta["software"]; ok {
		return meta
	}
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["software"] = p.cfg.Software
	return out
}

func resultOf(f *core.Frame) *Result {
	return &Result{
		Data:     f.Encoded,
		MIMEType: f.MIMEType,
		Meta:     f.Meta,
		Source:   f.Decoded,
		Backend:  f.Backend,
		IsColor:  f.IsColor,
	}
}

// String implements fmt.Stringer for log lines.
func (r *Result) String() string {
	return fmt.Sprintf("%dx%d %s %dB from %s/%s", r.Meta.Width, r.Meta.Height, r.MIMEType, len(r.Data), r.Backend, r.Source)
}
