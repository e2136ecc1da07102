package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single supervised process
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	samples  []ProcessMetrics
	startIdx int
	count    int
}

func (r *ring) add(m ProcessMetrics) {
	if r.count < len(r.samples) {
		r.samples[(r.startIdx+r.count)%len(r.samples)] = m
		r.count++
		return
	}
	r.samples[r.startIdx] = m
	r.startIdx = (r.startIdx + 1) % len(r.samples)
}

func (r *ring) ordered() []ProcessMetrics {
	out := make([]ProcessMetrics, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(r.startIdx+i)%len(r.samples)])
	}
	return out
}

// ProcessMetricsCollector samples resource usage of supervised services.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*ring
	procs   map[string]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a new process metrics collector
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamctl",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[string]*ring),
		procs:      make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the service process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident set size of the service process."),
		numThreads: gauge("num_threads", "Number of threads of the service process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the service process (Unix only)."),
	}
}

// RegisterMetrics registers the process gauges with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling of the PIDs returned by getProcesses.
func (c *ProcessMetricsCollector) Start(ctx context.Context, getProcesses func() map[string]int32) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(getProcesses())
			}
		}
	}()
	return nil
}

// Stop stops the metrics collection
func (c *ProcessMetricsCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per service and drops state for services
// that are no longer present.
func (c *ProcessMetricsCollector) Collect(processes map[string]int32) {
	now := time.Now()
	for name, pid := range processes {
		if pid <= 0 {
			continue
		}
		m, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to collect metrics for service", "name", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.memoryRSS.WithLabelValues(name).Set(float64(m.MemoryRSS))
		c.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
		c.mu.Lock()
		r, ok := c.history[name]
		if !ok {
			r = &ring{samples: make([]ProcessMetrics, c.maxHistory)}
			c.history[name] = r
		}
		r.add(m)
		c.mu.Unlock()
	}
	c.cleanup(processes)
}

func (c *ProcessMetricsCollector) sample(name string, pid int32, ts time.Time) (ProcessMetrics, error) {
	c.mu.Lock()
	proc, ok := c.procs[name]
	if !ok || proc.Pid != pid {
		// CPUPercent is computed against the previous call on the same
		// handle, so handles are cached per service.
		p, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		c.procs[name] = p
	}
	c.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	m := ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

func (c *ProcessMetricsCollector) cleanup(active map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.history {
		if _, ok := active[name]; ok {
			continue
		}
		delete(c.history, name)
		delete(c.procs, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

// GetMetrics returns the latest sample for a service.
func (c *ProcessMetricsCollector) GetMetrics(name string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[name]
	if !ok || r.count == 0 {
		return ProcessMetrics{}, false
	}
	return r.samples[(r.startIdx+r.count-1)%len(r.samples)], true
}

// GetHistory returns the retained samples for a service, oldest first.
func (c *ProcessMetricsCollector) GetHistory(name string) ([]ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[name]
	if !ok {
		return nil, false
	}
	return r.ordered(), true
}

// GetAllMetrics returns the latest sample of every sampled service.
func (c *ProcessMetricsCollector) GetAllMetrics() map[string]ProcessMetrics {
	c.mu.RLock()
	names := make([]string, 0, len(c.history))
	for n := range c.history {
		names = append(names, n)
	}
	c.mu.RUnlock()
	out := make(map[string]ProcessMetrics, len(names))
	for _, n := range names {
		if m, ok := c.GetMetrics(n); ok {
			out[n] = m
		}
	}
	return out
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
