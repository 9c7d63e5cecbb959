package task

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// checkResources verifies that the system has enough free resources to start a new job.
// A zero threshold disables the corresponding check.
func (m *Manager) checkResources() error {
	// CPU
	if m.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-m.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], m.cfg.ThrottleCPU)
		}
	}

	// Memory
	if m.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(m.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, m.cfg.ThrottleFreeMem)
		}
	}

	// Disk
	if root := m.store.Root(); root != "" && m.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(root)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", root, err)
		} else if d.Free < uint64(m.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, m.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
