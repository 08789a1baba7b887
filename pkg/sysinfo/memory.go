package sysinfo

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// MemoryStats holds a snapshot of the current process memory usage
type MemoryStats struct {
	RSSMB     float64
	VirtualMB float64
	Percent   float64
}

// GetMemoryUsage reads RSS and virtual size of the running process
func GetMemoryUsage() (*MemoryStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	info, err := proc.MemoryInfo()
	if err != nil {
		return nil, err
	}

	stats := &MemoryStats{
		RSSMB:     float64(info.RSS) / 1024.0 / 1024.0,
		VirtualMB: float64(info.VMS) / 1024.0 / 1024.0,
	}

	// Percent of total system memory; best effort
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		stats.Percent = float64(info.RSS) / float64(vm.Total) * 100.0
	}

	return stats, nil
}

// LogMemoryUsage logs the current process memory usage with a note
func LogMemoryUsage(logger *logrus.Logger, note string) {
	stats, err := GetMemoryUsage()
	if err != nil {
		logger.WithField("note", note).Debug("Memory usage tracking not available on this platform")
		return
	}

	logger.WithFields(logrus.Fields{
		"note":           note,
		"rss_mb":         stats.RSSMB,
		"virtual_mb":     stats.VirtualMB,
		"system_mem_pct": stats.Percent,
	}).Info("Memory usage")
}
