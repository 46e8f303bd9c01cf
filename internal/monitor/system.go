package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SystemStats is a point-in-time snapshot of host resource usage.
type SystemStats struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
}

// Snapshot collects current CPU and memory usage.
func Snapshot(ctx context.Context) (*SystemStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to collect CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect memory usage: %w", err)
	}

	stats := &SystemStats{
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
		MemoryUsed:  memInfo.Used,
		MemoryTotal: memInfo.Total,
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	return stats, nil
}

// Collector periodically samples host metrics and keeps the latest
// snapshot available for the status surface.
type Collector struct {
	logger   *zap.Logger
	interval time.Duration
	mu       sync.RWMutex
	latest   *SystemStats
	stop     chan struct{}
	once     sync.Once
}

// NewCollector creates a collector sampling at the given interval.
func NewCollector(logger *zap.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		logger:   logger.Named("monitor"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting system monitor", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Latest returns the most recent snapshot, or nil before the first
// sample completes.
func (c *Collector) Latest() *SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := Snapshot(ctx)
	if err != nil {
		c.logger.Error("Failed to collect system stats", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	c.logger.Debug("Collected system stats",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))
}
