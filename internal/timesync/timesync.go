// Package timesync estimates the offset between the local clock and an
// exchange's server clock from a timed round trip, so the engines can compare
// wall-clock time against remote settlement instants.
package timesync

import (
	"context"
	"sync"
	"time"

	"funding-bot/internal/config"

	"go.uber.org/zap"
)

type ServerTimeSource interface {
	GetServerTime(ctx context.Context) (time.Time, error)
}

type Clock struct {
	source     ServerTimeSource
	interval   time.Duration
	maxLatency time.Duration
	log        *zap.Logger
	localNow   func() time.Time

	mu      sync.RWMutex
	offset  time.Duration
	latency time.Duration
	synced  bool
}

func New(source ServerTimeSource, cfg config.TimeSyncConfig, log *zap.Logger) *Clock {
	return &Clock{
		source:     source,
		interval:   cfg.Interval,
		maxLatency: cfg.MaxLatency,
		log:        log,
		localNow:   time.Now,
	}
}

// Sync measures the round trip to the server time endpoint and recomputes the
// clock offset. On failure the previous offset stays in effect.
func (c *Clock) Sync(ctx context.Context) error {
	t0 := c.localNow()
	serverTime, err := c.source.GetServerTime(ctx)
	if err != nil {
		return err
	}
	t1 := c.localNow()
	latency := t1.Sub(t0) / 2
	if c.maxLatency > 0 && latency > c.maxLatency {
		if c.log != nil {
			c.log.Warn("measured latency above clamp",
				zap.Duration("latency", latency),
				zap.Duration("clamp", c.maxLatency),
			)
		}
		latency = c.maxLatency
	}
	adjusted := serverTime.Add(latency)
	offset := adjusted.Sub(t1)

	c.mu.Lock()
	c.offset = offset
	c.latency = latency
	c.synced = true
	c.mu.Unlock()
	if c.log != nil {
		c.log.Debug("clock synced", zap.Duration("offset", offset), zap.Duration("latency", latency))
	}
	return nil
}

// Now returns local time adjusted by the last known offset, floored to the
// millisecond.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.localNow().Add(offset).Truncate(time.Millisecond)
}

// Latency returns the last one-way latency estimate.
func (c *Clock) Latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

// Synced reports whether at least one sync has succeeded.
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Run resynchronizes at the configured interval until ctx is cancelled.
// Failures are logged; a running strategy keeps the previous offset.
func (c *Clock) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil && c.log != nil {
				c.log.Warn("clock resync failed", zap.Error(err))
			}
		}
	}
}
