// Package admission implements the closed-loop concurrency limiter that
// gates writer admission on observed completion latency (spec §4.E).
package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/driftwave/eventstore/private/sync2"
)

// Metrics is the observability snapshot exposed to operators
// (get_admission_metrics in spec §6).
type Metrics struct {
	CurrentLimit     int
	ObservedP99Ms    float64
	TargetP99Ms      float64
	RequestsAccepted uint64
	RequestsRejected uint64
	RejectionRate    float64
	Adjustments      uint64
}

// Config controls the controller's tuning knobs.
type Config struct {
	TargetP99Ms  float64
	InitialLimit int
	MaxLimit     int
	SampleWindow int // ring buffer size for latency samples
	TickInterval time.Duration
}

// DefaultConfig returns reasonable limiter defaults.
func DefaultConfig() Config {
	return Config{
		TargetP99Ms:  50,
		InitialLimit: 64,
		MaxLimit:     4096,
		SampleWindow: 512,
		TickInterval: 1 * time.Second,
	}
}

// Controller is the admission gate in front of the writer: callers must
// TryAcquire before an append and Release (reporting the observed latency)
// once it completes.
type Controller struct {
	config Config
	gate   *sync2.Limiter

	mu          sync.Mutex
	samples     []float64
	sampleIdx   int
	sampleCount int

	accepted    uint64
	rejected    uint64
	adjustments uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a controller admitting up to config.InitialLimit concurrent
// writes, and starts its periodic adjustment tick.
func New(config Config) *Controller {
	c := &Controller{
		config:  config,
		gate:    sync2.NewLimiter(config.InitialLimit),
		samples: make([]float64, config.SampleWindow),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.tickLoop()
	return c
}

// Stop ends the periodic adjustment goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// TryAcquire attempts to admit one write. It returns false immediately
// (never blocks) if the current limit is already saturated; the caller
// should surface OverloadedError to the writer's caller (spec §4.E).
func (c *Controller) TryAcquire() bool {
	ok := c.gate.TryAcquire()
	c.mu.Lock()
	if ok {
		c.accepted++
	} else {
		c.rejected++
	}
	c.mu.Unlock()
	return ok
}

// Release returns the slot acquired by TryAcquire and records the
// completed write's latency for the next adjustment tick.
func (c *Controller) Release(latency time.Duration) {
	c.gate.Release()
	c.mu.Lock()
	c.samples[c.sampleIdx] = float64(latency) / float64(time.Millisecond)
	c.sampleIdx = (c.sampleIdx + 1) % len(c.samples)
	if c.sampleCount < len(c.samples) {
		c.sampleCount++
	}
	c.mu.Unlock()
}

// Metrics returns a snapshot of the controller's current state.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	p99 := c.observedP99Locked()
	total := c.accepted + c.rejected
	var rate float64
	if total > 0 {
		rate = float64(c.rejected) / float64(total)
	}
	return Metrics{
		CurrentLimit:     c.gate.Limit(),
		ObservedP99Ms:    p99,
		TargetP99Ms:      c.config.TargetP99Ms,
		RequestsAccepted: c.accepted,
		RequestsRejected: c.rejected,
		RejectionRate:    rate,
		Adjustments:      c.adjustments,
	}
}

func (c *Controller) observedP99Locked() float64 {
	if c.sampleCount == 0 {
		return 0
	}
	sorted := append([]float64{}, c.samples[:c.sampleCount]...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (c *Controller) tickLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.adjust()
		}
	}
}

// ForceAdjust runs one evaluation of the closed-loop algorithm immediately,
// bypassing the tick interval. Exposed for deterministic tests.
func (c *Controller) ForceAdjust() {
	c.adjust()
}

// adjust runs one evaluation of the closed-loop algorithm (spec §4.E).
func (c *Controller) adjust() {
	c.mu.Lock()
	p99 := c.observedP99Locked()
	total := c.accepted + c.rejected
	var rejectionRate float64
	if total > 0 {
		rejectionRate = float64(c.rejected) / float64(total)
	}
	c.mu.Unlock()

	limit := c.gate.Limit()
	inFlight := c.gate.InFlight()

	switch {
	case p99 > c.config.TargetP99Ms*1.1 && rejectionRate < 0.2:
		if limit > 1 {
			c.gate.SetLimit(limit - 1)
			c.bumpAdjustments()
		}
	case p99 < c.config.TargetP99Ms*0.7 && float64(inFlight) >= float64(limit)*0.9:
		if limit < c.config.MaxLimit {
			c.gate.SetLimit(limit + 1)
			c.bumpAdjustments()
		}
	}
}

func (c *Controller) bumpAdjustments() {
	c.mu.Lock()
	c.adjustments++
	c.mu.Unlock()
}
