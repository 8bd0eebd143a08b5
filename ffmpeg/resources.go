package ffmpeg

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceLimits are the host minimums required before a task may start.
// Zero disables a check.
type ResourceLimits struct {
	MinIdleCPU  float64
	MinFreeMem  int64
	MinFreeDisk int64
}

// CheckResources verifies the host has enough idle resources to start a
// media job writing into dir.
func CheckResources(limits ResourceLimits, dir string) error {
	if limits.MinIdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-limits.MinIdleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], limits.MinIdleCPU)
		}
	}

	if limits.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(limits.MinFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, limits.MinFreeMem)
		}
	}

	if limits.MinFreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("could not get disk usage")
		} else if d.Free < uint64(limits.MinFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, limits.MinFreeDisk)
		}
	}
	return nil
}
