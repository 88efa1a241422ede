package capability

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/Skryldev/raw-processor/core"
)

// Reference frame used to derive DeviceCapabilities.MemoryTier.
const (
	referenceWidth  = 4000
	referenceHeight = 3000
)

// Probes are the host checks behind Detect. A nil probe, or one that panics,
// reports false (or unknown memory).
type Probes struct {
	DeviceMemoryGB      func() (float64, bool)
	HardwareConcurrency func() int
	GPU                 func() bool
	GPUCompute          func() bool
	SIMD                func() bool
	NativeCodecs        func() bool
	SharedMemory        func() bool
	Isolated            func() bool
}

// HostProbes returns probes for the running process.
func HostProbes() Probes {
	return Probes{
		DeviceMemoryGB:      hostMemoryGB,
		HardwareConcurrency: runtime.NumCPU,
		SIMD:                hasSIMD,
		// Goroutines share one address space; buffers move by handle.
		SharedMemory: func() bool { return true },
		Isolated:     func() bool { return true },
	}
}

// Overrides replace probe results. Nil fields keep the probed value.
type Overrides struct {
	DeviceMemoryGB      *float64
	UnknownMemory       bool // report memory as unknown regardless of probes
	HardwareConcurrency int  // 0 = probe
	WebGL2              *bool
	WebGPU              *bool
	WasmSIMD            *bool
	WebCodecs           *bool
	SharedArrayBuffer   *bool
	CrossOriginIsolated *bool
}

// Detector builds DeviceCapabilities snapshots.
type Detector struct {
	Probes           Probes
	BufferMultiplier float64
	Logger           core.Logger
}

// NewDetector returns a Detector using HostProbes.
func NewDetector() *Detector {
	return &Detector{Probes: HostProbes(), BufferMultiplier: DefaultBufferMultiplier, Logger: core.NopLogger{}}
}

// Detect probes the host and returns a fresh snapshot. It never fails.
func (d *Detector) Detect(o Overrides) core.DeviceCapabilities {
	var memory *float64
	if gb, ok := d.memory(); ok {
		memory = &gb
	}
	if o.DeviceMemoryGB != nil {
		v := *o.DeviceMemoryGB
		memory = &v
	}
	if o.UnknownMemory {
		memory = nil
	}

	cores := d.concurrency()
	if o.HardwareConcurrency > 0 {
		cores = o.HardwareConcurrency
	}

	webgl2 := pick(o.WebGL2, d.flag("gpu", d.Probes.GPU))
	webgpu := pick(o.WebGPU, d.flag("gpu_compute", d.Probes.GPUCompute))
	simd := pick(o.WasmSIMD, d.flag("simd", d.Probes.SIMD))
	codecs := pick(o.WebCodecs, d.flag("native_codecs", d.Probes.NativeCodecs))
	sab := pick(o.SharedArrayBuffer, d.flag("shared_memory", d.Probes.SharedMemory))
	isolated := pick(o.CrossOriginIsolated, d.flag("isolated", d.Probes.Isolated))

	var notes []string
	if !webgl2 {
		notes = append(notes, "WebGL2 unavailable - GPU previews limited")
	}
	if !webgpu {
		notes = append(notes, "WebGPU disabled - CPU-only pipeline")
	}
	if !simd {
		notes = append(notes, "SIMD not supported - slower demosaic")
	}
	if !sab {
		notes = append(notes, "Shared memory unavailable - single worker fallback")
	}
	if !codecs {
		notes = append(notes, "Native codecs missing - using pure-Go encoders")
	}

	plan := CalculateMemoryPlan(PlanInput{
		DeviceMemoryGB:   memory,
		Width:            referenceWidth,
		Height:           referenceHeight,
		BufferMultiplier: d.BufferMultiplier,
	})

	return core.DeviceCapabilities{
		DeviceMemory:        memory,
		HardwareConcurrency: cores,
		WebGL2:              webgl2,
		WebGPU:              webgpu,
		WasmSIMD:            simd,
		WebCodecs:           codecs,
		SharedArrayBuffer:   sab && isolated,
		CrossOriginIsolated: isolated,
		MemoryTier:          plan.Tier,
		Notes:               notes,
	}
}

func pick(override *bool, probed bool) bool {
	if override != nil {
		return *override
	}
	return probed
}

func (d *Detector) logger() core.Logger {
	if d.Logger == nil {
		return core.NopLogger{}
	}
	return d.Logger
}

func (d *Detector) flag(name string, probe func() bool) (ok bool) {
	if probe == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger().Warn("capability.probe.failed", "probe", name, "panic", r)
			ok = false
		}
	}()
	return probe()
}

func (d *Detector) memory() (gb float64, ok bool) {
	if d.Probes.DeviceMemoryGB == nil {
		return 0, false
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger().Warn("capability.probe.failed", "probe", "memory", "panic", r)
			gb, ok = 0, false
		}
	}()
	return d.Probes.DeviceMemoryGB()
}

func (d *Detector) concurrency() (n int) {
	if d.Probes.HardwareConcurrency == nil {
		return 1
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger().Warn("capability.probe.failed", "probe", "concurrency", "panic", r)
			n = 1
		}
	}()
	if n = d.Probes.HardwareConcurrency(); n < 1 {
		n = 1
	}
	return n
}

func hasSIMD() bool {
	return cpu.X86.HasAVX2 || cpu.X86.HasSSE41 || cpu.ARM64.HasASIMD
}
