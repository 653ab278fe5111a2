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

// ResourceUsage is one CPU and memory sample of the sidecar process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for sidecar resource sampling
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples CPU and memory of the current sidecar
// process and exports them as gauges.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last ResourceUsage
	ok   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg ResourceConfig, logger *slog.Logger) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      name,
			Help:      help,
		}, []string{"generation"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the sidecar."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the sidecar in bytes."),
		numThreads: gauge("num_threads", "Number of threads of the sidecar."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the sidecar (Unix only)."),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the process returned by current every interval until ctx is
// done or Stop is called. current returns the generation and PID of the live
// sidecar, or a zero PID when none is running.
func (s *ResourceSampler) Start(ctx context.Context, current func() (uint64, int32)) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		var lastGen uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				gen, pid := current()
				if lastGen != 0 && gen != lastGen {
					s.forget(lastGen)
				}
				lastGen = gen
				if pid <= 0 {
					continue
				}
				if _, err := s.Sample(gen, pid); err != nil {
					s.logger.Debug("sidecar resource sample failed", "pid", pid, "error", err)
				}
			}
		}
	}()
}

// Stop stops the sampling loop
func (s *ResourceSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample reads one usage sample for pid and updates the gauges.
func (s *ResourceSampler) Sample(gen uint64, pid int32) (ResourceUsage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent needs two calls for an accurate figure; the first one reads 0.
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	u := ResourceUsage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  memInfo.RSS,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}

	label := fmt.Sprint(gen)
	s.cpuPercent.WithLabelValues(label).Set(u.CPUPercent)
	s.memoryRSS.WithLabelValues(label).Set(float64(u.MemoryRSS))
	s.numThreads.WithLabelValues(label).Set(float64(u.NumThreads))
	if runtime.GOOS != "windows" && u.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(u.NumFDs))
	}

	s.mu.Lock()
	s.last, s.ok = u, true
	s.mu.Unlock()
	return u, nil
}

// Last returns the most recent sample.
func (s *ResourceSampler) Last() (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}

func (s *ResourceSampler) IsEnabled() bool { return s.enabled }

func (s *ResourceSampler) forget(gen uint64) {
	label := fmt.Sprint(gen)
	s.cpuPercent.DeleteLabelValues(label)
	s.memoryRSS.DeleteLabelValues(label)
	s.numThreads.DeleteLabelValues(label)
	s.numFDs.DeleteLabelValues(label)
}
