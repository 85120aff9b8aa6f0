// Package admission implements system-pressure admission control for the
// query queue. Requests are rejected before they are queued when memory,
// CPU, or queue fill cross their thresholds, and low-priority requests are
// shed under sustained pressure (with hysteresis so shedding does not
// flap around a single threshold).
package admission

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonMemory    Reason = "memory"
	ReasonCPU       Reason = "cpu"
	ReasonQueueFull Reason = "queue_full"
	ReasonLoadShed  Reason = "load_shed"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

// Config holds admission thresholds. Percent values are 0-100.
type Config struct {
	MemoryThreshold float64
	CPUThreshold    float64
	QueueThreshold  float64
	CheckInterval   time.Duration

	LoadSheddingEnabled bool
	ShedStartPressure   float64
	ShedStopPressure    float64
	DefaultPriority     int
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		MemoryThreshold:     85,
		CPUThreshold:        90,
		QueueThreshold:      90,
		CheckInterval:       5 * time.Second,
		LoadSheddingEnabled: true,
		ShedStartPressure:   0.8,
		ShedStopPressure:    0.6,
		DefaultPriority:     5,
	}
}

// systemSampler abstracts gopsutil so tests can inject fixed readings.
type systemSampler interface {
	Sample() (memPercent, cpuPercent float64, err error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) Sample() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	// Non-blocking CPU reading: percentage since the previous call.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return vm.UsedPercent, 0, err
	}
	var c float64
	if len(percents) > 0 {
		c = percents[0]
	}
	return vm.UsedPercent, c, nil
}

// Controller makes admission decisions. System readings are sampled at most
// once per CheckInterval and cached between checks.
type Controller struct {
	cfg     Config
	sampler systemSampler

	mu         sync.Mutex
	lastSample time.Time
	memPercent float64
	cpuPercent float64
	shedding   bool
	now        func() time.Time
}

// NewController creates an admission controller using live system readings.
func NewController(cfg Config) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Controller{cfg: cfg, sampler: gopsutilSampler{}, now: time.Now}
}

// NewControllerWithSampler is the constructor used by tests.
func NewControllerWithSampler(cfg Config, s systemSampler) *Controller {
	c := NewController(cfg)
	c.sampler = s
	return c
}

func (c *Controller) refresh() (float64, float64) {
	now := c.now()
	if now.Sub(c.lastSample) >= c.cfg.CheckInterval || c.lastSample.IsZero() {
		m, cp, err := c.sampler.Sample()
		if err != nil {
			// Stale readings are better than failing admission outright.
			slog.Warn("admission sampler error", "error", err)
		} else {
			c.memPercent, c.cpuPercent = m, cp
		}
		c.lastSample = now
	}
	return c.memPercent, c.cpuPercent
}

// pressure blends the three signals into a 0-1 score used for load shedding.
func (c *Controller) pressure(memPct, cpuPct, queueFill float64) float64 {
	return (memPct/100)*0.4 + (cpuPct/100)*0.3 + (queueFill/100)*0.3
}

// Check decides whether a submission with the given priority may enter the
// queue. queueDepth and activeQueries describe the queue at call time.
func (c *Controller) Check(queueDepth, maxQueueSize, activeQueries, priority int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	memPct, cpuPct := c.refresh()

	var queueFill float64
	if maxQueueSize > 0 {
		queueFill = float64(queueDepth) / float64(maxQueueSize) * 100
	}

	if memPct >= c.cfg.MemoryThreshold {
		return Decision{Reason: ReasonMemory,
			Detail: fmt.Sprintf("memory at %.1f%% (threshold %.1f%%)", memPct, c.cfg.MemoryThreshold)}
	}
	if cpuPct >= c.cfg.CPUThreshold {
		return Decision{Reason: ReasonCPU,
			Detail: fmt.Sprintf("cpu at %.1f%% (threshold %.1f%%)", cpuPct, c.cfg.CPUThreshold)}
	}
	if queueFill >= c.cfg.QueueThreshold {
		return Decision{Reason: ReasonQueueFull,
			Detail: fmt.Sprintf("queue at %.1f%% (threshold %.1f%%)", queueFill, c.cfg.QueueThreshold)}
	}

	if c.cfg.LoadSheddingEnabled {
		p := c.pressure(memPct, cpuPct, queueFill)
		if c.shedding {
			if p < c.cfg.ShedStopPressure {
				c.shedding = false
				slog.Info("load shedding stopped", "pressure", p)
			}
		} else if p > c.cfg.ShedStartPressure {
			c.shedding = true
			slog.Warn("load shedding started", "pressure", p)
		}

		if c.shedding && priority < c.cfg.DefaultPriority {
			return Decision{Reason: ReasonLoadShed,
				Detail: fmt.Sprintf("shedding low-priority work (pressure %.2f)", p)}
		}
	}

	return Decision{Accepted: true}
}

// SetClock overrides the time source. Test helper.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
