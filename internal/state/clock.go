package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock watcher defaults.
const (
	DefaultClockInterval     = 15 * time.Second
	DefaultTimeJumpThreshold = 30 * time.Second
)

// ClockSource polls the wall clock. It reports an hour change when the local
// hour rolls over and a significant time change when the wall clock jumps
// relative to elapsed monotonic time, when the UTC offset changes, or at
// midnight.
type ClockSource struct {
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	last     time.Time // wall clock only
	lastTick time.Time // carries the monotonic reading
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewClockSource creates a ClockSource. Non-positive arguments use the
// defaults.
func NewClockSource(interval, threshold time.Duration, logger *slog.Logger) *ClockSource {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultClockInterval
	}
	if threshold <= 0 {
		threshold = DefaultTimeJumpThreshold
	}
	return &ClockSource{
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		logger:    logger,
	}
}

// Start begins polling.
func (c *ClockSource) Start(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	now := c.now()
	c.last = now.Round(0)
	c.lastTick = now
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx, sink)

	c.logger.Debug("clock source started", "interval", c.interval, "threshold", c.threshold)
	return nil
}

// Stop ends polling.
func (c *ClockSource) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	<-c.doneCh
	c.logger.Debug("clock source stopped")
}

func (c *ClockSource) loop(ctx context.Context, sink Sink) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			elapsed := now.Sub(c.lastTick)
			c.lastTick = now
			c.mu.Unlock()
			c.check(sink, now, elapsed)
		}
	}
}

// check compares now against the previous observation. elapsed is the
// monotonic time since that observation.
func (c *ClockSource) check(sink Sink, now time.Time, elapsed time.Duration) {
	now = now.Round(0)

	c.mu.Lock()
	last := c.last
	c.last = now
	c.mu.Unlock()

	if last.IsZero() {
		return
	}

	var reasons []string

	drift := now.Sub(last) - elapsed
	if drift < 0 {
		drift = -drift
	}
	if drift > c.threshold {
		reasons = append(reasons, "clock jump")
	}

	_, lastOffset := last.Zone()
	_, nowOffset := now.Zone()
	if lastOffset != nowOffset {
		reasons = append(reasons, "utc offset change")
	}

	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	dayChanged := ly != ny || lm != nm || ld != nd
	if dayChanged {
		reasons = append(reasons, "day change")
	}

	if len(reasons) > 0 {
		c.logger.Debug("significant time change", "reasons", reasons, "drift", drift)
		sink.NoteSignificantTimeChange()
	}

	if dayChanged || now.Hour() != last.Hour() {
		sink.NoteHourChange()
	}
}
