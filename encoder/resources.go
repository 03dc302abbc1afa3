package encoder

import (
	"context"
	"fmt"
	"time"

	"encodeagent/logging"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceChecker reports whether the machine can start an encode now.
type ResourceChecker interface {
	Check() error
}

// SystemResources checks live CPU, memory and disk usage.
type SystemResources struct {
	// IdleCPU is the percentage of CPU that must be idle.
	IdleCPU float64
	// FreeMem and FreeDisk are minimums in bytes.
	FreeMem  int64
	FreeDisk int64
	// Dir is where the encoder writes its output.
	Dir string
}

// Check verifies that the system has enough free resources to start a new job.
func (r *SystemResources) Check() error {
	// CPU
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		logging.Warn("could not get CPU usage: %v", err)
	} else if len(p) > 0 && p[0] > (100.0-r.IdleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.IdleCPU)
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.Warn("could not get memory usage: %v", err)
	} else if vm.Available < uint64(r.FreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.FreeMem)
	}

	// Disk
	d, err := disk.Usage(r.Dir)
	if err != nil {
		logging.Warn("could not get disk usage for %s: %v", r.Dir, err)
	} else if d.Free < uint64(r.FreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.FreeDisk)
	}
	return nil
}

// WaitForResources polls c every interval until it passes or ctx ends.
func WaitForResources(ctx context.Context, c ResourceChecker, interval time.Duration) error {
	warned := false
	for {
		err := c.Check()
		if err == nil {
			return nil
		}
		if !warned {
			logging.Info("Waiting for resources before encoding: %v", err)
			warned = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
