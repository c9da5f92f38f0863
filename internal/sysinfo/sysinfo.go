// Package sysinfo gathers process and host metrics for the dashboard
// header.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

// Info is the /api/system payload.
type Info struct {
	Version           string    `json:"version"`
	PID               int       `json:"pid"`
	Goroutines        int       `json:"goroutines"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryRSSBytes    uint64    `json:"memory_rss_bytes"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	HostUptimeSeconds uint64    `json:"host_uptime_seconds"`
	Timestamp         time.Time `json:"timestamp"`
}

// Collector caches collected metrics briefly so a busy dashboard cannot
// turn metric gathering into load.
type Collector struct {
	version   string
	startTime time.Time

	mu          sync.Mutex
	cached      *Info
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewCollector creates a collector reporting the given build version.
func NewCollector(version string) *Collector {
	return &Collector{
		version:   version,
		startTime: time.Now(),
		cacheTTL:  5 * time.Second,
	}
}

// Collect returns current process and host metrics, cached for a few
// seconds.
func (c *Collector) Collect() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		return *c.cached
	}

	info := Info{
		Version:       c.version,
		PID:           os.Getpid(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Timestamp:     time.Now().UTC(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			info.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			info.MemoryRSSBytes = mem.RSS
		}
	}
	if up, err := host.Uptime(); err == nil {
		info.HostUptimeSeconds = up
	}

	c.cached = &info
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	return info
}
