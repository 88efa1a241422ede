// Package capability inspects the host and decides how much of a RAW image
// the pipeline may hold in memory at once.
package capability

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/Skryldev/raw-processor/core"
)

// DefaultBufferMultiplier accounts for linear and demosaiced buffers being
// alive at the same time.
const DefaultBufferMultiplier = 2.2

const (
	bytesPerPixel   = 6 // 3 channels x 16 bits
	safeBudgetRatio = 0.6
	previewFloorGB  = 2.0
	exhaustFloorGB  = 3.0
	minFactor       = 0.4
	maxFactor       = 0.85
	exhaustFactor   = 0.45
	factorHeadroom  = 0.95
)

// PlanInput describes the image to plan for. DeviceMemoryGB is nil when the
// host does not report memory.
type PlanInput struct {
	DeviceMemoryGB   *float64
	Width            int
	Height           int
	BufferMultiplier float64 // 0 = DefaultBufferMultiplier
}

// CalculateMemoryPlan applies the degradation policy: hard floor, budget
// check, downscale, exhaustion check. The order is significant.
func CalculateMemoryPlan(in PlanInput) core.MemoryPlan {
	mult := in.BufferMultiplier
	if mult <= 0 {
		mult = DefaultBufferMultiplier
	}
	pixels := float64(in.Width) * float64(in.Height)
	workingSetMB := pixels * bytesPerPixel / (1024 * 1024) * mult

	budgetMB := math.Inf(1)
	known := in.DeviceMemoryGB != nil
	var mem float64
	if known {
		mem = *in.DeviceMemoryGB
		budgetMB = mem * 1024 * safeBudgetRatio
	}

	if known && mem < previewFloorGB {
		return core.MemoryPlan{
			Tier:                  core.TierPreviewOnly,
			Reason:                "Device reports <2GB - embedded preview only",
			EstimatedWorkingSetMB: workingSetMB,
		}
	}

	if math.IsInf(budgetMB, 1) || workingSetMB <= budgetMB {
		return core.MemoryPlan{
			Tier:                  core.TierFull,
			Reason:                "Within safe memory budget",
			EstimatedWorkingSetMB: workingSetMB,
		}
	}

	factor := lo.Clamp(math.Sqrt(budgetMB/workingSetMB)*factorHeadroom, minFactor, maxFactor)
	if factor <= exhaustFactor && known && mem < exhaustFloorGB {
		return core.MemoryPlan{
			Tier:                  core.TierPreviewOnly,
			Reason:                "Available memory too small even after downscale",
			EstimatedWorkingSetMB: workingSetMB,
		}
	}

	return core.MemoryPlan{
		Tier:                  core.TierReduced,
		Reason:                fmt.Sprintf("Downscaling to %d%% to fit memory budget", int(math.Round(factor*100))),
		DownscaleFactor:       factor,
		MaxMegapixels:         pixels * factor * factor / 1e6,
		EstimatedWorkingSetMB: workingSetMB,
	}
}
