// Package resources provides the "resources" namespace: memory and
// processor usage, sampled on an interval.
package resources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// DefaultInterval is the sampling interval when none is configured.
const DefaultInterval = 10 * time.Second

const megabyte = 1024 * 1024

// Sample is one reading of the host resources.
type Sample struct {
	MemoryUsed      uint64 // bytes
	MemoryFree      uint64
	MemoryAvailable uint64
	ProcessorLoad   float64 // percent across all CPUs
	ProcessorCount  int
	LoadAverage     float64 // 1 minute
}

// Sampler reads the host resources.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

type gopsutilSampler struct{}

func (gopsutilSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryUsed = vm.Used
	s.MemoryFree = vm.Free
	s.MemoryAvailable = vm.Available

	// Zero interval compares against the previous call.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.ProcessorLoad = pct[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.ProcessorCount = n
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.LoadAverage = avg.Load1
	}
	return s, nil
}

// Provider serves the resources namespace. Sampling pauses while the device
// sleeps.
type Provider struct {
	*provider.Base

	sampler  Sampler
	interval time.Duration

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	resetCh chan struct{}
	doneCh  chan struct{}
}

// New creates the resources provider.
func New(interval time.Duration, logger *slog.Logger) *Provider {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Provider{
		Base:     provider.NewBase(provider.Resources, logger),
		sampler:  gopsutilSampler{},
		interval: interval,
		resetCh:  make(chan struct{}, 1),
	}
}

// SetSampler replaces the resource reader. It must be called before
// Initialise.
func (p *Provider) SetSampler(s Sampler) {
	p.sampler = s
}

// Initialise publishes a first sample and starts the refresh loop.
func (p *Provider) Initialise(ctx context.Context, pub provider.Publisher) error {
	p.Attach(pub)

	if err := p.SetStatic(provider.Properties{"interval": p.interval.Milliseconds()}); err != nil {
		return err
	}
	p.refresh(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(loopCtx)
	return nil
}

// Close stops the refresh loop.
func (p *Provider) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.doneCh
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *Provider) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.resetCh:
			ticker.Reset(p.interval)
		case <-ticker.C:
			if p.Paused() {
				continue
			}
			p.refresh(ctx)
		}
	}
}

func (p *Provider) refresh(ctx context.Context) {
	s, err := p.sampler.Sample(ctx)
	if err != nil {
		p.Logger().Warn("failed to sample resources", "error", err)
		return
	}
	_ = p.SetDynamic(toProperties(s))
}

func toProperties(s Sample) provider.Properties {
	return provider.Properties{
		"memory": map[string]any{
			"used":      int64(s.MemoryUsed / megabyte),
			"free":      int64(s.MemoryFree / megabyte),
			"available": int64(s.MemoryAvailable / megabyte),
		},
		"processor": map[string]any{
			"load":        s.ProcessorLoad,
			"count":       int64(s.ProcessorCount),
			"loadAverage": s.LoadAverage,
		},
	}
}

// Paused reports whether sampling is paused for sleep.
func (p *Provider) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Provider) setPaused(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = v
}

// HandleMessage supports "refresh", which samples immediately and returns
// the dynamic snapshot.
func (p *Provider) HandleMessage(ctx context.Context, msg provider.Message, reply *provider.Reply) {
	switch msg.Function {
	case "refresh":
		p.refresh(ctx)
		reply.Send(p.CurrentData().Dynamic)
	default:
		p.Base.HandleMessage(ctx, msg, reply)
	}
}

func (p *Provider) OnDeviceSleep(context.Context) {
	p.setPaused(true)
	p.Logger().Debug("resource sampling paused")
}

// OnDeviceWake resumes sampling with an immediate refresh and restarts the
// interval from now.
func (p *Provider) OnDeviceWake(ctx context.Context) {
	p.setPaused(false)
	p.refresh(ctx)
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
	p.Logger().Debug("resource sampling resumed")
}
