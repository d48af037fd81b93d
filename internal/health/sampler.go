package health

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/preforkd/internal/types"
)

// DefaultSampleInterval is how often the sampler refreshes process stats.
const DefaultSampleInterval = 10 * time.Second

// Sampler periodically samples the daemon's own process: CPU, resident
// memory, file descriptors and open connections. The latest sample backs
// the process section of GET /status and the process gauges in /metrics.
type Sampler struct {
	interval time.Duration
	proc     *process.Process

	mu   sync.RWMutex
	last *types.ProcessSample

	runMu     sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSampler creates a sampler bound to the current process.
// If interval is zero, DefaultSampleInterval is used.
func NewSampler(interval time.Duration) (*Sampler, error) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	return &Sampler{
		interval:  interval,
		proc:      proc,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start begins sampling in a background goroutine. The first sample is
// taken immediately so LastSample is populated before the first tick.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (s *Sampler) Start() {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	s.runMu.Unlock()

	go s.run()
}

// Stop stops the sampling loop and blocks until it has exited.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (s *Sampler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	stoppedCh := s.stoppedCh
	s.runMu.Unlock()

	<-stoppedCh
}

func (s *Sampler) run() {
	defer close(s.stoppedCh)

	s.sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stopCh:
			return
		}
	}
}

// Sample takes one reading immediately and returns it. Useful for tests
// and for the one-shot path in preforkctl.
func (s *Sampler) Sample() *types.ProcessSample {
	s.sample()
	return s.LastSample()
}

func (s *Sampler) sample() {
	ps := &types.ProcessSample{
		PID:          int(s.proc.Pid),
		NumGoroutine: runtime.NumGoroutine(),
		SampledAt:    time.Now(),
	}

	cpuPct, _ := s.proc.CPUPercent()
	ps.CPUPercent = cpuPct

	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		ps.MemRSS = memInfo.RSS
	}

	// File descriptors (Unix only, ignore error on Windows)
	if numFDs, err := s.proc.NumFDs(); err == nil {
		ps.NumFDs = int(numFDs)
	}

	// Open connections
	if conns, err := s.proc.Connections(); err == nil {
		ps.OpenConnections = len(conns)
	}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		ps.LoadAvg1 = loadAvg.Load1
	}

	s.mu.Lock()
	s.last = ps
	s.mu.Unlock()
}

// LastSample returns the most recent process sample, or nil before the
// first sample completes.
func (s *Sampler) LastSample() *types.ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Interval returns the configured sampling interval.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}
