package health

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type ProcessStats struct {
	PID        int32     `json:"pid"`
	RSSBytes   uint64    `json:"rssBytes"`
	NumThreads int32     `json:"numThreads"`
	Goroutines int       `json:"goroutines"`
	StartedAt  time.Time `json:"startedAt"`
}

// CurrentProcess reads resource usage for the running server.
func CurrentProcess() (*ProcessStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	stats := &ProcessStats{
		PID:        pid,
		RSSBytes:   mem.RSS,
		Goroutines: runtime.NumGoroutine(),
	}
	if n, err := p.NumThreads(); err == nil {
		stats.NumThreads = n
	}
	if ms, err := p.CreateTime(); err == nil {
		stats.StartedAt = time.UnixMilli(ms).UTC()
	}
	return stats, nil
}
