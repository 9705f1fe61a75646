package server

import (
	"runtime"
	"sync"
	"time"
)

// SystemStats holds process resource information.
type SystemStats struct {
	Memory struct {
		AllocMB     float64 `json:"alloc_mb"`
		SysMB       float64 `json:"sys_mb"`
		HeapInuseMB float64 `json:"heap_inuse_mb"`
		HeapObjects uint64  `json:"heap_objects"`
		NumGC       uint32  `json:"num_gc"`
	} `json:"memory"`
	CPU struct {
		NumCPU       int     `json:"num_cpu"`
		UsagePercent float64 `json:"usage_percent"`
	} `json:"cpu"`
	Goroutines int       `json:"goroutines"`
	GoVersion  string    `json:"go_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMonitor reports process CPU usage as the share of one core used
// since the previous sample, averaged over all cores.
type SystemMonitor struct {
	lock     sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func NewSystemMonitor() *SystemMonitor {
	cpu, _ := processCPUTime()
	return &SystemMonitor{lastCPU: cpu, lastWall: time.Now()}
}

// CPUUsage returns the percentage of available CPU used since the last call.
// It reports 0 where process CPU time is unavailable.
func (sm *SystemMonitor) CPUUsage() float64 {
	cpu, ok := processCPUTime()
	if !ok {
		return 0
	}
	now := time.Now()

	sm.lock.Lock()
	defer sm.lock.Unlock()
	wall := now.Sub(sm.lastWall)
	used := cpu - sm.lastCPU
	sm.lastCPU, sm.lastWall = cpu, now
	if wall <= 0 {
		return 0
	}
	usage := float64(used) / float64(wall) / float64(runtime.NumCPU()) * 100
	return min(max(usage, 0), 100)
}

// Stats samples memory, goroutine and CPU figures.
func (sm *SystemMonitor) Stats() SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var stats SystemStats
	stats.Memory.AllocMB = toMB(mem.Alloc)
	stats.Memory.SysMB = toMB(mem.Sys)
	stats.Memory.HeapInuseMB = toMB(mem.HeapInuse)
	stats.Memory.HeapObjects = mem.HeapObjects
	stats.Memory.NumGC = mem.NumGC
	stats.CPU.NumCPU = runtime.NumCPU()
	stats.CPU.UsagePercent = sm.CPUUsage()
	stats.Goroutines = runtime.NumGoroutine()
	stats.GoVersion = runtime.Version()
	stats.Timestamp = time.Now()
	return stats
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
