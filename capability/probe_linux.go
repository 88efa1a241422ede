//go:build linux

package capability

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// hostMemoryGB reports physical memory, capped by a cgroup v2 limit.
func hostMemoryGB() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	total := float64(info.Totalram) * float64(info.Unit)
	if limit, ok := cgroupLimit(); ok && limit < total {
		total = limit
	}
	if total <= 0 {
		return 0, false
	}
	return total / (1 << 30), true
}

func cgroupLimit() (float64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false // "max"
	}
	return float64(v), true
}
